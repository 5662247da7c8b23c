package runtime

import "time"

type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// StageState tracks a stage executor through its lifecycle:
// pending -> in_progress -> {completed, failed}.
type StageState string

const (
	StagePending    StageState = "pending"
	StageInProgress StageState = "in_progress"
	StageCompleted  StageState = "completed"
	StageFailed     StageState = "failed"
)

// StageResult is the per-execution record the engine appends to the
// workflow state under stage_results, keyed by stage name.
type StageResult struct {
	Status     StageState `json:"status"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    time.Time  `json:"end_time"`
	DurationMS int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
}
