package runtime

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/zeebo/blake3"
)

// State is the single mutable record threaded through every stage of a
// workflow run. Keys are strings; values are arbitrary structured data
// (scalars, nested maps, slices). Stages only add or overwrite keys; the
// engine is the only writer that ever deletes.
//
// State is used by exactly one stage at a time (the driver is strictly
// sequential), so no locking is required.
type State struct {
	data map[string]any
}

func NewState() *State {
	return &State{data: map[string]any{}}
}

// FromMap adopts a deep copy of m as the initial state.
func FromMap(m map[string]any) *State {
	s := NewState()
	s.Merge(m)
	return s
}

func (s *State) Get(key string) (any, bool) {
	v, ok := s.data[key]
	return v, ok
}

func (s *State) Has(key string) bool {
	_, ok := s.data[key]
	return ok
}

// GetString returns the value at key rendered as a string, or def when the
// key is absent or not a string.
func (s *State) GetString(key, def string) string {
	if v, ok := s.data[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}

// GetInt returns the value at key as an int, tolerating the numeric types
// produced by JSON and YAML decoding.
func (s *State) GetInt(key string, def int) int {
	switch v := s.data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// GetFloat returns the value at key as a float64, tolerating int values.
func (s *State) GetFloat(key string, def float64) float64 {
	switch v := s.data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

func (s *State) Set(key string, value any) {
	s.data[key] = value
}

// Delete removes a key. Reserved for the engine; abilities and stages must
// never delete keys from the shared record.
func (s *State) Delete(key string) {
	delete(s.data, key)
}

func (s *State) Len() int { return len(s.data) }

// Keys returns all keys in sorted order.
func (s *State) Keys() []string {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge applies updates into the state: shallow key union, last-write-wins.
// Values are deep-copied so later mutation of the source cannot alias the
// shared record.
func (s *State) Merge(updates map[string]any) {
	for k, v := range updates {
		s.data[k] = deepCopyValue(v)
	}
}

// Snapshot returns a deep copy of the state as a plain map, suitable for
// handing to an ability without exposing the shared record to mutation.
func (s *State) Snapshot() map[string]any {
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = deepCopyValue(v)
	}
	return out
}

// Clone returns an independent deep copy of the state.
func (s *State) Clone() *State {
	return &State{data: s.Snapshot()}
}

// Fingerprint hashes the canonical JSON encoding of the state (map keys are
// emitted sorted) with the listed keys excluded, and returns the hex digest.
// Excluding the volatile bookkeeping keys makes deterministic-mode runs over
// identical input produce identical fingerprints.
func (s *State) Fingerprint(exclude ...string) string {
	skip := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		skip[k] = true
	}
	filtered := make(map[string]any, len(s.data))
	for k, v := range s.data {
		if skip[k] {
			continue
		}
		filtered[k] = v
	}
	b, err := json.Marshal(filtered)
	if err != nil {
		// Non-encodable values should not occur; fall back to the key set
		// so the fingerprint stays stable rather than empty.
		b, _ = json.Marshal(s.Keys())
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.data)
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = deepCopyValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = deepCopyValue(inner)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}
