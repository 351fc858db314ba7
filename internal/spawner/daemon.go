package spawner

import (
	"context"
	"encoding/json"

	"github.com/covehq/drover/pkg/bus"
)

// IncomingMessage is one front-end message on the spawner's Pub/Sub
// channel.
type IncomingMessage struct {
	PrincipalID string `json:"principal_id"`
	Message     string `json:"message"`
}

// OutgoingMessage is the reply appended to the principal's outgoing
// stream.
type OutgoingMessage struct {
	PrincipalID string `json:"principal_id"`
	Reply       string `json:"reply"`
	Error       string `json:"error,omitempty"`
}

// Run subscribes to the incoming channel and serves messages until ctx is
// cancelled. Replies (and failures) land on the per-principal outgoing
// stream; front-ends never have to infer failure from silence.
func (s *Spawner) Run(ctx context.Context) error {
	messages := s.broker.Subscribe(ctx, bus.IncomingChannel)
	s.log.Info().Str("channel", bus.IncomingChannel).Msg("spawner_started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("spawner_stopping")
			return nil
		case payload, ok := <-messages:
			if !ok {
				return nil
			}
			s.serve(ctx, payload)
		}
	}
}

func (s *Spawner) serve(ctx context.Context, payload string) {
	var incoming IncomingMessage
	if err := json.Unmarshal([]byte(payload), &incoming); err != nil {
		s.log.Error().Err(err).Msg("invalid_incoming_message")
		return
	}
	if incoming.PrincipalID == "" || incoming.Message == "" {
		s.log.Error().Msg("incoming_message_missing_fields")
		return
	}

	outgoing := OutgoingMessage{PrincipalID: incoming.PrincipalID}
	reply, err := s.SendMessage(ctx, incoming.PrincipalID, incoming.Message)
	if err != nil {
		s.log.Error().Err(err).Str("principal", incoming.PrincipalID).Msg("message_handling_failed")
		outgoing.Error = err.Error()
	} else {
		outgoing.Reply = reply
	}

	stream := bus.OutgoingStream(incoming.PrincipalID)
	if _, err := s.broker.Add(ctx, stream, outgoing); err != nil {
		s.log.Error().Err(err).Str("principal", incoming.PrincipalID).Msg("reply_publish_failed")
	}
}
