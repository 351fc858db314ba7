package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/covehq/drover/pkg/bus"
)

var (
	sendTaskID    string
	sendRequestID string
)

var sendCmd = &cobra.Command{
	Use:   "send <worker-id> <content>",
	Short: "Push a task onto a worker's input stream",
	Long: `Append a task message to worker:{worker-id}:input.

Examples:
  droverctl send w1 "Summarize the open issues"
  droverctl send w1 "Do X" --task-id task-42`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendTaskID, "task-id", "", "Task id for crash attribution (generated if omitted)")
	sendCmd.Flags().StringVar(&sendRequestID, "request-id", "", "Request id for correlation")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	workerID, content := args[0], args[1]

	broker, err := bus.NewClientFromURL(redisURL)
	if err != nil {
		return err
	}
	defer broker.Close()

	if sendTaskID == "" {
		sendTaskID = uuid.New().String()
	}

	task := &bus.TaskMessage{Content: content, TaskID: sendTaskID, RequestID: sendRequestID}
	id, err := broker.Add(context.Background(), bus.InputStream(workerID), task)
	if err != nil {
		return err
	}

	fmt.Printf("Queued task %s as entry %s on %s\n", sendTaskID, id, bus.InputStream(workerID))
	return nil
}
