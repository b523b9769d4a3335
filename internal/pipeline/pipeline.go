// Package pipeline consumes backend event streams, one consumer per
// session, and fans events out to the session's log file and any live
// subscribers.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"

	bridgeerr "github.com/wagiedev/opencode-bridge/internal/errors"
	"github.com/wagiedev/opencode-bridge/internal/eventlog"
	"github.com/wagiedev/opencode-bridge/internal/sse"
)

// subscriberBuffer is the channel depth per live subscriber. A
// subscriber that falls further behind than this starts losing events;
// the log file is the durable record.
const subscriberBuffer = 64

// StreamOpener opens the backend's event stream for a session.
// Implemented by the backend client.
type StreamOpener interface {
	OpenEvents(ctx context.Context, sessionID string) (io.ReadCloser, error)
}

// Pipeline owns the per-session consumers. Safe for concurrent use.
type Pipeline struct {
	log    *slog.Logger
	opener StreamOpener
	logDir string

	mu        sync.Mutex
	consumers map[string]*consumer
	closed    bool
}

// New creates a pipeline writing session logs under logDir.
func New(log *slog.Logger, opener StreamOpener, logDir string) *Pipeline {
	return &Pipeline{
		log:       log.With("component", "pipeline"),
		opener:    opener,
		logDir:    logDir,
		consumers: make(map[string]*consumer),
	}
}

// StartConsumer begins consuming the event stream for a session. At most
// one consumer exists per session id: a duplicate start is logged and
// ignored, the original consumer keeps running undisturbed.
func (p *Pipeline) StartConsumer(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return bridgeerr.ErrPipelineClosed
	}

	if _, exists := p.consumers[sessionID]; exists {
		p.log.Warn("Event consumer already running", "session_id", sessionID)

		return nil
	}

	log, err := eventlog.Open(p.logDir, sessionID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &consumer{
		pipeline:  p,
		sessionID: sessionID,
		log:       log,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	p.consumers[sessionID] = c

	go c.run(ctx)

	p.log.Info("Event consumer started", "session_id", sessionID)

	return nil
}

// StopConsumer stops the session's consumer and waits for it to finish.
// Stopping a session with no consumer is a no-op.
func (p *Pipeline) StopConsumer(sessionID string) {
	p.mu.Lock()
	c := p.consumers[sessionID]
	p.mu.Unlock()

	if c == nil {
		return
	}

	c.cancel()
	<-c.done

	p.log.Info("Event consumer stopped", "session_id", sessionID)
}

// Subscribe attaches a live feed to the session's consumer. The returned
// cancel function detaches it; the channel is closed when the consumer
// ends. Slow subscribers lose events rather than stall the stream.
func (p *Pipeline) Subscribe(sessionID string) (<-chan sse.Event, func(), error) {
	p.mu.Lock()
	c := p.consumers[sessionID]
	p.mu.Unlock()

	if c == nil {
		return nil, nil, bridgeerr.ErrNoConsumer
	}

	return c.subscribe()
}

// Close stops every consumer and rejects further starts.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true

	sessionIDs := make([]string, 0, len(p.consumers))
	for sessionID := range p.consumers {
		sessionIDs = append(sessionIDs, sessionID)
	}
	p.mu.Unlock()

	for _, sessionID := range sessionIDs {
		p.StopConsumer(sessionID)
	}
}

// remove drops the consumer from the registry if it is still the
// registered one.
func (p *Pipeline) remove(sessionID string, c *consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.consumers[sessionID] == c {
		delete(p.consumers, sessionID)
	}
}

// consumer reads one session's event stream until cancelled or the
// stream ends.
type consumer struct {
	pipeline  *Pipeline
	sessionID string
	log       *eventlog.Log
	cancel    context.CancelFunc
	done      chan struct{}

	mu          sync.Mutex
	subscribers []chan sse.Event
}

func (c *consumer) run(ctx context.Context) {
	defer close(c.done)
	defer c.pipeline.remove(c.sessionID, c)
	defer c.closeSubscribers()
	defer c.log.Close()

	// Release the cancellation watcher when the stream ends on its own.
	defer c.cancel()

	plog := c.pipeline.log

	body, err := c.pipeline.opener.OpenEvents(ctx, c.sessionID)
	if err != nil {
		plog.Error("Failed to open event stream", "session_id", c.sessionID, "error", err)

		return
	}

	// Cancellation closes the body; that is what unblocks the parser's
	// read.
	go func() {
		<-ctx.Done()
		_ = body.Close()
	}()

	defer body.Close()

	for event := range sse.Events(body) {
		if err := c.log.Append(c.record(event)); err != nil {
			plog.Error("Failed to log event", "session_id", c.sessionID, "error", err)
		}

		c.broadcast(event)
	}

	plog.Debug("Event stream ended", "session_id", c.sessionID)
}

// record shapes a frame for the session log. The log injects its own
// "id", so the frame's id travels as "event_id".
func (c *consumer) record(event sse.Event) map[string]any {
	record := map[string]any{"data": event.DataMap()}

	if event.Name != "" {
		record["event"] = event.Name
	}

	if event.ID != "" {
		record["event_id"] = event.ID
	}

	for field, value := range event.Fields {
		record[field] = value
	}

	return record
}

func (c *consumer) subscribe() (<-chan sse.Event, func(), error) {
	ch := make(chan sse.Event, subscriberBuffer)

	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		for i, sub := range c.subscribers {
			if sub == ch {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)

				return
			}
		}
	}

	return ch, cancel, nil
}

func (c *consumer) broadcast(event sse.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subscribers {
		select {
		case sub <- event:
		default:
			c.pipeline.log.Debug("Dropping event for slow subscriber", "session_id", c.sessionID)
		}
	}
}

func (c *consumer) closeSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subscribers {
		close(sub)
	}

	c.subscribers = nil
}
