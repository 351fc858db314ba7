// Package spawner maps external principals to long-lived workers and
// offers the single-call "send this message, get the reply" API front-ends
// use.
package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/covehq/drover/internal/settings"
	"github.com/covehq/drover/pkg/bus"
)

// Spawner talks to the worker manager exclusively over the command bus.
// It owns the principal -> worker mapping; activity tracking is the
// manager's job.
type Spawner struct {
	broker    *bus.Client
	requester *bus.Requester
	sessions  *bus.SessionStore
	cfg       *settings.Spawner
	log       zerolog.Logger
}

// New creates a spawner.
func New(broker *bus.Client, cfg *settings.Spawner, log zerolog.Logger) *Spawner {
	return &Spawner{
		broker:    broker,
		requester: bus.NewRequester(broker, cfg.WorkerType),
		sessions:  bus.NewSessionStore(broker, cfg.SessionTTL),
		cfg:       cfg,
		log:       log,
	}
}

// GetOrCreateAgent returns the principal's worker, creating one when the
// mapping is absent or the referenced worker is no longer live. The
// mapping TTL is independent of the worker TTL.
func (s *Spawner) GetOrCreateAgent(ctx context.Context, principalID string) (string, error) {
	key := bus.AgentMappingKey(principalID)

	workerID, err := s.broker.Get(ctx, key)
	if err != nil {
		return "", err
	}

	if workerID != "" {
		if s.workerAlive(ctx, workerID) {
			if err := s.broker.Expire(ctx, key, s.cfg.MappingTTL); err != nil {
				s.log.Warn().Err(err).Str("principal", principalID).Msg("mapping_refresh_failed")
			}
			return workerID, nil
		}
		s.log.Info().Str("principal", principalID).Str("worker_id", workerID).Msg("mapped_worker_gone")
	}

	workerID, err = s.createWorker(ctx, principalID)
	if err != nil {
		return "", err
	}

	if err := s.broker.SetWithTTL(ctx, key, workerID, s.cfg.MappingTTL); err != nil {
		return "", err
	}

	s.log.Info().Str("principal", principalID).Str("worker_id", workerID).Msg("agent_created")
	return workerID, nil
}

// SendMessage routes one message to the principal's agent and returns the
// reply text. Cross-turn continuity relies on the persistent container and
// the round-tripped session id; if the worker was reaped between turns, a
// fresh one is created and only the agent's memory is lost.
func (s *Spawner) SendMessage(ctx context.Context, principalID, text string) (string, error) {
	workerID, err := s.GetOrCreateAgent(ctx, principalID)
	if err != nil {
		return "", err
	}

	sessionID, err := s.sessions.Get(ctx, workerID)
	if err != nil {
		return "", err
	}

	resp, err := s.requester.Do(ctx, &bus.Command{
		Command:        bus.CommandSendCommand,
		WorkerID:       workerID,
		ShellCommand:   agentShellCommand(text, sessionID),
		TimeoutSeconds: s.cfg.ExecTimeout,
	}, s.cfg.RequestTimeout)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("agent execution failed: %s", resp.Error)
	}

	reply, newSessionID := parseAgentOutput(resp.Stdout)
	if newSessionID != "" && newSessionID != sessionID {
		if err := s.sessions.Set(ctx, workerID, newSessionID); err != nil {
			s.log.Warn().Err(err).Str("worker_id", workerID).Msg("session_persist_failed")
		}
	}
	return reply, nil
}

// workerAlive checks over the bus whether a worker is still usable
// (RUNNING or PAUSED).
func (s *Spawner) workerAlive(ctx context.Context, workerID string) bool {
	resp, err := s.requester.Do(ctx, &bus.Command{
		Command:  bus.CommandStatus,
		WorkerID: workerID,
	}, s.cfg.RequestTimeout)
	if err != nil || !resp.Success || resp.Status == nil {
		return false
	}
	return resp.Status.State == "RUNNING" || resp.Status.State == "PAUSED"
}

func (s *Spawner) createWorker(ctx context.Context, principalID string) (string, error) {
	cfg := &bus.WorkerConfig{
		Name:         workerName(principalID),
		AgentType:    bus.AgentKind(s.cfg.AgentType),
		WorkerType:   s.cfg.WorkerType,
		Capabilities: s.cfg.Capabilities,
		AuthMode:     bus.AuthNone,
		TTLHours:     s.cfg.TTLHours,
	}
	if s.cfg.HostClaudeDir != "" {
		cfg.AuthMode = bus.AuthHostSession
		cfg.MountSessionVolume = true
		cfg.HostClaudeDir = s.cfg.HostClaudeDir
	}

	resp, err := s.requester.Do(ctx, &bus.Command{
		Command: bus.CommandCreate,
		Config:  cfg,
	}, s.cfg.RequestTimeout)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("worker creation failed: %s", resp.Error)
	}
	return resp.WorkerID, nil
}

// nonNameChars collapses principal ids into valid worker names.
var nonNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// workerName derives a worker name from a principal id.
func workerName(principalID string) string {
	name := nonNameChars.ReplaceAllString(strings.ToLower(principalID), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "principal"
	}
	return "agent-" + name
}

// agentShellCommand builds the in-container agent invocation. The message
// goes through single-quote escaping; the session id resumes the prior
// conversation when known.
func agentShellCommand(message, sessionID string) string {
	safe := strings.ReplaceAll(message, "'", `'\''`)
	parts := []string{
		"claude",
		"--dangerously-skip-permissions",
		"-p", fmt.Sprintf("'%s'", safe),
		"--output-format", "json",
	}
	if sessionID != "" {
		parts = append(parts, "--resume", sessionID)
	}
	return strings.Join(parts, " ")
}

// parseAgentOutput pulls the reply text and session id out of the agent
// CLI's JSON stdout. Non-JSON output is returned raw with no session.
func parseAgentOutput(stdout string) (reply, sessionID string) {
	var payload struct {
		Result    string `json:"result"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &payload); err != nil {
		return stdout, ""
	}
	if payload.Result == "" {
		return stdout, payload.SessionID
	}
	return payload.Result, payload.SessionID
}
