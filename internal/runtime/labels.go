package runtime

import "fmt"

// Container labels required on every worker container. The events listener
// keys off these to attribute container deaths to workers and tasks.
const (
	LabelWorkerID   = "worker_id"
	LabelAgentKind  = "agent_kind"
	LabelTaskID     = "task_id"
	LabelWorkerType = "worker_type"
)

// BuildLabels creates the required label set for a worker container.
// TaskID is always empty: container labels are fixed at creation, and the
// wrapper records the current task in the worker status hash instead.
func BuildLabels(workerID, agentKind, workerType string) map[string]string {
	return map[string]string{
		LabelWorkerID:   workerID,
		LabelAgentKind:  agentKind,
		LabelTaskID:     "",
		LabelWorkerType: workerType,
	}
}

// ContainerName derives the container name for a worker.
// Pattern: {prefix}-{worker_id}
func ContainerName(prefix, workerID string) string {
	return fmt.Sprintf("%s-%s", prefix, workerID)
}
