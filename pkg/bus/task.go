package bus

// TaskMessage is one work item on a worker's input stream. Only content is
// required; task_id and request_id exist for crash-recovery correlation.
type TaskMessage struct {
	Content   string `json:"content"`
	TaskID    string `json:"task_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// FallbackResult is published on the output stream when the agent produced
// no structured result block.
type FallbackResult struct {
	RawOutput string `json:"raw_output"`
	Status    string `json:"status"`
}

// NoStructuredResult is the status marker of a FallbackResult.
const NoStructuredResult = "no_structured_result"

// CrashRecord is the synthetic failure the events listener appends to a
// worker's output stream when its container dies outside wrapper control.
type CrashRecord struct {
	Type        string `json:"type"`
	TaskID      string `json:"task_id,omitempty"`
	Content     string `json:"content"`
	ExitCode    string `json:"exit_code"`
	ContainerID string `json:"container_id,omitempty"`
}
