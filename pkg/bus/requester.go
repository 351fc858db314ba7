package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Requester issues commands on the command stream and waits for the
// correlated response. Correlation is by request_id; entries for other
// requests are skipped, not consumed.
//
// The response stream mirrors the manager's routing: create replies arrive
// on the family's stream, everything else on the fallback stream.
type Requester struct {
	client *Client
	family string
}

// NewRequester creates a requester for a caller family. Create commands
// without an explicit worker_type are stamped with this family so replies
// route back here.
func NewRequester(client *Client, family string) *Requester {
	return &Requester{client: client, family: family}
}

// pollInterval is how often Do re-scans the response stream.
const pollInterval = 100 * time.Millisecond

// Do publishes a command and blocks until the matching response arrives or
// the timeout elapses. The request_id is generated when absent.
func (r *Requester) Do(ctx context.Context, cmd *Command, timeout time.Duration) (*Response, error) {
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.New().String()
	}
	if cmd.Command == CommandCreate && cmd.Config != nil && cmd.Config.WorkerType == "" {
		cmd.Config.WorkerType = r.family
	}

	stream := ResponseStream(cmd.ResponseFamily())

	// Remember where the response stream ends before sending, so the scan
	// only considers entries appended afterwards.
	lastID, err := r.client.LastID(ctx, stream)
	if err != nil {
		return nil, err
	}

	if _, err := r.client.Add(ctx, CommandStream, cmd); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		messages, err := r.client.ReadAfter(ctx, stream, lastID)
		if err != nil {
			return nil, err
		}
		for _, msg := range messages {
			lastID = msg.ID

			var resp Response
			if err := msg.Decode(&resp); err != nil {
				continue
			}
			if resp.RequestID == cmd.RequestID {
				return &resp, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out after %s waiting for response to %s %s", timeout, cmd.Command, cmd.RequestID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
