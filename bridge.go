package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/wagiedev/opencode-bridge/internal/backend"
	bridgeerr "github.com/wagiedev/opencode-bridge/internal/errors"
	"github.com/wagiedev/opencode-bridge/internal/health"
	"github.com/wagiedev/opencode-bridge/internal/pipeline"
	"github.com/wagiedev/opencode-bridge/internal/sse"
	"github.com/wagiedev/opencode-bridge/internal/store"
	"github.com/wagiedev/opencode-bridge/internal/supervisor"
)

// Version is the bridge release version reported by the health endpoint.
const Version = "1.0.0"

// Event is one server-sent event frame from a session's stream.
type Event = sse.Event

// Session is a chat's session record.
type Session = store.Record

// MessageOptions carries the optional parts of an outbound message.
type MessageOptions struct {
	// Agent routes the message to a specific backend agent.
	Agent string

	// Model picks a provider/model pair, keyed "providerID" and
	// "modelID".
	Model map[string]string
}

// Reply is the outcome of a synchronous message send.
type Reply struct {
	SessionID string
	Response  string
	CreatedAt time.Time
}

// HealthStatus summarizes the bridge and its backend.
type HealthStatus struct {
	Status           string         `json:"status"`
	Version          string         `json:"version"`
	BackendConnected bool           `json:"backend_connected"`
	BackendState     string         `json:"backend_state"`
	Detail           map[string]any `json:"detail,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// Bridge ties the backend supervisor, REST client, session store and
// event pipeline together behind one lifecycle.
//
// Bridges are single-use: New, optionally StartBackend, then the session
// operations, then Close.
type Bridge struct {
	log      *slog.Logger
	cfg      *Config
	sup      *supervisor.Supervisor
	client   *backend.Client
	checker  *health.Checker
	pipe     *pipeline.Pipeline
	sessions *store.Store
}

// New creates a bridge from the default configuration and options.
func New(opts ...Option) (*Bridge, error) {
	b := &Bridge{
		log: NopLogger(),
		cfg: DefaultConfig(),
	}

	for _, opt := range opts {
		opt(b)
	}

	baseURL := "http://" + net.JoinHostPort(b.cfg.Backend.Host, strconv.Itoa(b.cfg.Backend.Port))

	b.sup = supervisor.New(b.log, supervisor.Config{
		Host:       b.cfg.Backend.Host,
		Port:       b.cfg.Backend.Port,
		Executable: b.cfg.Backend.Executable,
		Credential: b.cfg.Backend.Credential,
	})

	b.client = backend.New(b.log, baseURL, b.cfg.Backend.Credential, b.cfg.Backend.RequestTimeout.Std())
	b.checker = health.New(b.log, baseURL, b.cfg.Backend.Credential)
	b.pipe = pipeline.New(b.log, b.client, b.cfg.Sessions.LogDir)
	b.sessions = store.Open(b.log, b.cfg.Sessions.StorePath)

	return b, nil
}

// Config returns the bridge's effective configuration.
func (b *Bridge) Config() *Config {
	return b.cfg
}

// StartBackend brings the backend up according to the configured policy
// (wait-for-healthy, startup timeout, strict). Returns whether the
// backend is up.
func (b *Bridge) StartBackend(ctx context.Context) (bool, error) {
	return b.sup.Start(ctx,
		b.cfg.Backend.WaitForHealthy,
		b.cfg.Backend.StartupTimeout.Std(),
		b.cfg.Backend.Strict,
	)
}

// StopBackend stops a backend this bridge spawned. Stopping an adopted
// external backend returns ErrNotOwned and leaves it running.
func (b *Bridge) StopBackend(force bool) error {
	return b.sup.Stop(force)
}

// RestartBackend restarts the backend with the configured policy.
func (b *Bridge) RestartBackend(ctx context.Context) (bool, error) {
	return b.sup.Restart(ctx,
		b.cfg.Backend.WaitForHealthy,
		b.cfg.Backend.StartupTimeout.Std(),
		b.cfg.Backend.Strict,
	)
}

// BackendRunning reports whether the backend appears to be up.
func (b *Bridge) BackendRunning() bool {
	return b.sup.IsRunning()
}

// BackendState returns the supervisor's view of the backend.
func (b *Bridge) BackendState() string {
	return b.sup.State().String()
}

// Health checks the backend and reports combined status: "healthy" when
// the backend answers, "degraded" otherwise.
func (b *Bridge) Health(ctx context.Context) HealthStatus {
	result := b.checker.Check(ctx, 5*time.Second)

	status := "degraded"
	if result.Healthy {
		status = "healthy"
	}

	return HealthStatus{
		Status:           status,
		Version:          Version,
		BackendConnected: result.Healthy,
		BackendState:     b.sup.State().String(),
		Detail:           result.Detail,
		Timestamp:        result.CheckedAt,
	}
}

// Agents lists the agents the backend exposes.
func (b *Bridge) Agents(ctx context.Context) ([]map[string]any, error) {
	return b.client.ListAgents(ctx)
}

// StartSession creates a backend session for a chat, records the
// mapping, and starts consuming the session's event stream.
//
// An empty title gets a default derived from the chat id; a configured
// agent is noted in the title the way the chat front-end expects.
func (b *Bridge) StartSession(ctx context.Context, chatID, title, agent string) (*Session, error) {
	if title == "" {
		title = fmt.Sprintf("Chat %s", chatID)
	}

	if agent != "" {
		title = fmt.Sprintf("[%s] %s", agent, title)
	}

	created, err := b.client.CreateSession(ctx, title, "")
	if err != nil {
		return nil, err
	}

	sessionID, _ := created["id"].(string)
	if sessionID == "" {
		return nil, &bridgeerr.APIError{Status: 200, Err: fmt.Errorf("backend returned no session id")}
	}

	record := b.sessions.Put(chatID, sessionID, agent, nil)

	if err := b.pipe.StartConsumer(sessionID); err != nil {
		b.log.Error("Failed to start event consumer", "session_id", sessionID, "error", err)
	}

	b.log.Info("Session started", "session_id", sessionID, "chat_id", chatID)

	return record, nil
}

// SendMessage sends a message to a session and waits for the reply. The
// reply text is the first text part of the backend's answer.
func (b *Bridge) SendMessage(ctx context.Context, sessionID, text string, opts MessageOptions) (*Reply, error) {
	// Surface unknown sessions before sending anything.
	if _, err := b.client.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	msg := backend.Message{Text: text, Agent: opts.Agent}
	if opts.Model != nil {
		msg.Model = &backend.ModelRef{
			ProviderID: opts.Model["providerID"],
			ModelID:    opts.Model["modelID"],
		}
	}

	result, err := b.client.SendMessage(ctx, sessionID, msg)
	if err != nil {
		return nil, err
	}

	if record := b.sessions.BySessionID(sessionID); record != nil {
		b.sessions.Touch(record.ChatID)
	}

	response := extractText(result)
	b.log.Info("Message completed", "session_id", sessionID, "response_length", len(response))

	return &Reply{
		SessionID: sessionID,
		Response:  response,
		CreatedAt: time.Now(),
	}, nil
}

// SendMessageAsync submits a message without waiting; the reply arrives
// on the session's event stream.
func (b *Bridge) SendMessageAsync(ctx context.Context, sessionID, text string, opts MessageOptions) error {
	msg := backend.Message{Text: text, Agent: opts.Agent}
	if opts.Model != nil {
		msg.Model = &backend.ModelRef{
			ProviderID: opts.Model["providerID"],
			ModelID:    opts.Model["modelID"],
		}
	}

	if err := b.client.SendMessageAsync(ctx, sessionID, msg); err != nil {
		return err
	}

	if record := b.sessions.BySessionID(sessionID); record != nil {
		b.sessions.Touch(record.ChatID)
	}

	return nil
}

// SessionStatus fetches the backend's view of a session.
func (b *Bridge) SessionStatus(ctx context.Context, sessionID string) (map[string]any, error) {
	return b.client.GetSession(ctx, sessionID)
}

// Abort aborts whatever the session is currently doing.
func (b *Bridge) Abort(ctx context.Context, sessionID string) error {
	return b.client.AbortSession(ctx, sessionID)
}

// StopSession stops the session's event consumer and marks the chat
// mapping inactive. The backend session itself stays.
func (b *Bridge) StopSession(sessionID string) {
	b.pipe.StopConsumer(sessionID)

	if record := b.sessions.BySessionID(sessionID); record != nil {
		b.sessions.SetActive(record.ChatID, false)
	}
}

// DeleteSession deletes the backend session and drops all local state
// for it.
func (b *Bridge) DeleteSession(ctx context.Context, sessionID string) error {
	if err := b.client.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	b.pipe.StopConsumer(sessionID)

	if record := b.sessions.BySessionID(sessionID); record != nil {
		b.sessions.Delete(record.ChatID)
	}

	return nil
}

// Subscribe attaches a live feed to a session's event stream. The cancel
// function detaches it.
func (b *Bridge) Subscribe(sessionID string) (<-chan Event, func(), error) {
	return b.pipe.Subscribe(sessionID)
}

// Session returns the chat's session record, or nil.
func (b *Bridge) Session(chatID string) *Session {
	return b.sessions.Get(chatID)
}

// CleanupSessions drops session records idle past the configured
// timeout and returns how many went.
func (b *Bridge) CleanupSessions() int {
	return b.sessions.CleanupInactive(b.cfg.Sessions.Timeout.Std())
}

// Close stops all event consumers. The backend process is left as-is;
// use StopBackend to shut down a backend this bridge spawned.
func (b *Bridge) Close() error {
	b.pipe.Close()

	return nil
}

// extractText pulls the reply text out of a message document: the first
// text part wins, with the raw parts as a fallback so a reply is never
// silently empty.
func extractText(result map[string]any) string {
	parts, _ := result["parts"].([]any)

	for _, raw := range parts {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if part["type"] == "text" {
			if text, ok := part["text"].(string); ok && text != "" {
				return text
			}
		}
	}

	if len(parts) > 0 {
		return fmt.Sprintf("%v", parts)
	}

	return ""
}
