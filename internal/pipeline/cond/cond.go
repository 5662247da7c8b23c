package cond

import (
	"fmt"
	"strings"

	"github.com/avolkov/caseflow/internal/pipeline/runtime"
)

// Evaluate evaluates a minimal AND-only condition language used by stage
// validation rules.
//
// Grammar:
//
//	ConditionExpr ::= Clause ( '&&' Clause )*
//	Clause        ::= Key Operator Literal | Key
//	Key           ::= Path ( '.' Path )*
//	Operator      ::= '=' | '!='
//
// Missing keys resolve to empty string. Comparisons are exact string
// comparisons. A bare key is truthy when its value is non-empty and not
// "false"/"0"/"no".
func Evaluate(condition string, st *runtime.State) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	clauses := strings.Split(condition, "&&")
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		ok, err := evalClause(clause, st)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(clause string, st *runtime.State) (bool, error) {
	if strings.Contains(clause, "!=") {
		parts := strings.SplitN(clause, "!=", 2)
		if len(parts) != 2 {
			return false, fmt.Errorf("invalid clause: %q", clause)
		}
		got := resolveKey(strings.TrimSpace(parts[0]), st)
		want := strings.TrimSpace(parts[1])
		return got != want, nil
	}
	if strings.Contains(clause, "=") {
		parts := strings.SplitN(clause, "=", 2)
		if len(parts) != 2 {
			return false, fmt.Errorf("invalid clause: %q", clause)
		}
		got := resolveKey(strings.TrimSpace(parts[0]), st)
		want := strings.TrimSpace(parts[1])
		return got == want, nil
	}
	// Bare key: truthy if non-empty and not "false"/"0" (best-effort).
	got := resolveKey(strings.TrimSpace(clause), st)
	if got == "" {
		return false, nil
	}
	switch strings.ToLower(got) {
	case "false", "0", "no":
		return false, nil
	default:
		return true, nil
	}
}

func resolveKey(key string, st *runtime.State) string {
	if st == nil || key == "" {
		return ""
	}
	if v, ok := st.Get(key); ok && v != nil {
		return fmt.Sprint(v)
	}
	// Dotted paths descend through nested maps.
	if strings.Contains(key, ".") {
		parts := strings.Split(key, ".")
		v, ok := st.Get(parts[0])
		if !ok {
			return ""
		}
		for _, p := range parts[1:] {
			m, isMap := v.(map[string]any)
			if !isMap {
				return ""
			}
			v, ok = m[p]
			if !ok {
				return ""
			}
		}
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
	return ""
}
