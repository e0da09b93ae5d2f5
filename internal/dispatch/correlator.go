// Package dispatch submits tool calls and matches them to their results on the
// backend's shared event stream.
//
// A single background reader consumes the stream and hands each event to the
// waiter registered under the event's correlation id. Waiters are inserted before
// the call is submitted and removed on match, timeout, cancellation or submit
// failure, so every id is released exactly once.
package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcp-agent/internal/backend"
	"mcp-agent/internal/errorsx"
	"mcp-agent/internal/logging"
)

// Backend is the subset of the backend client the correlator needs.
type Backend interface {
	Submit(ctx context.Context, call backend.CallRequest) (json.RawMessage, error)
	OpenStream(ctx context.Context) (io.ReadCloser, error)
}

// Config tunes a Correlator. Zero values fall back to defaults.
type Config struct {
	Timeout       time.Duration
	IDPrefix      string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// NewID overrides correlation id generation.
	NewID func() string
}

// Correlator owns the stream subscription and the pending-waiter registry.
type Correlator struct {
	backend Backend
	cfg     Config
	log     *slog.Logger

	mu        sync.Mutex
	pending   map[string]chan backend.StreamEvent
	ready     chan struct{}
	connected bool
	started   bool
}

// New constructs a Correlator. Call Start before Invoke.
func New(b Backend, cfg Config, log *slog.Logger) *Correlator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "call_"
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 200 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = 5 * time.Second
	}
	if cfg.NewID == nil {
		prefix := cfg.IDPrefix
		cfg.NewID = func() string { return prefix + uuid.NewString() }
	}
	return &Correlator{
		backend: b,
		cfg:     cfg,
		log:     logging.NewComponentLogger(log, "dispatch"),
		pending: make(map[string]chan backend.StreamEvent),
		ready:   make(chan struct{}),
	}
}

// Start launches the background stream reader. It stops when ctx ends.
// Calling Start more than once is a no-op.
func (c *Correlator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run(ctx)
}

// Pending reports how many calls are waiting for their result.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connected reports whether the stream subscription is currently open.
func (c *Correlator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Invoke submits a call and waits for the stream event carrying its correlation id.
// A timeout <= 0 uses the configured default.
func (c *Correlator) Invoke(ctx context.Context, toolName string, args map[string]string, timeout time.Duration) (backend.StreamEvent, error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cid := c.cfg.NewID()
	log := c.log.With("cid", cid, "tool", toolName)
	ch, err := c.register(cid)
	if err != nil {
		return backend.StreamEvent{}, err
	}
	log.Debug("call_created")

	if err := c.waitReady(ctx); err != nil {
		c.unregister(cid)
		return backend.StreamEvent{}, c.waitError(ctx, cid, err)
	}

	ack, err := c.backend.Submit(ctx, backend.CallRequest{CorrelationID: cid, Name: toolName, Arguments: args})
	if err != nil {
		c.unregister(cid)
		if ctx.Err() != nil {
			return backend.StreamEvent{}, c.waitError(ctx, cid, ctx.Err())
		}
		return backend.StreamEvent{}, fmt.Errorf("submit %s: %w", cid, err)
	}
	log.Debug("call_submitted", "ack", string(ack))

	ev, err := c.await(ctx, cid, ch)
	if err == nil {
		log.Debug("call_matched")
	}
	return ev, err
}

// await blocks until ch yields the event or ctx ends. A match that raced the
// deadline still wins.
func (c *Correlator) await(ctx context.Context, cid string, ch <-chan backend.StreamEvent) (backend.StreamEvent, error) {
	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
	}
	c.unregister(cid)
	select {
	case ev := <-ch:
		return ev, nil
	default:
		return backend.StreamEvent{}, c.waitError(ctx, cid, ctx.Err())
	}
}

// waitError distinguishes our own deadline from the caller abandoning the call.
func (c *Correlator) waitError(ctx context.Context, cid string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.log.Warn("call_timed_out", "cid", cid)
		return errorsx.New(errorsx.ReasonCallTimeout, "no response received for call_id=%s", cid)
	}
	return err
}

func (c *Correlator) register(cid string) (chan backend.StreamEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[cid]; exists {
		return nil, fmt.Errorf("correlation id %s already pending", cid)
	}
	ch := make(chan backend.StreamEvent, 1)
	c.pending[cid] = ch
	return ch, nil
}

func (c *Correlator) unregister(cid string) {
	c.mu.Lock()
	delete(c.pending, cid)
	c.mu.Unlock()
}

// deliver hands ev to its waiter, if any, and removes the waiter. The send happens
// under the lock; the channel is buffered and receives at most one event.
func (c *Correlator) deliver(ev backend.StreamEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[ev.CorrelationID]
	if !ok {
		return false
	}
	delete(c.pending, ev.CorrelationID)
	ch <- ev
	return true
}

func (c *Correlator) waitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Correlator) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v == c.connected {
		return
	}
	c.connected = v
	if v {
		close(c.ready)
	} else {
		c.ready = make(chan struct{})
	}
}

func (c *Correlator) run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		body, err := c.backend.OpenStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoffDelay(c.cfg.ReconnectBase, c.cfg.ReconnectMax, attempt)
			attempt++
			c.log.Warn("stream_connect_failed", "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		attempt = 0
		c.log.Info("stream_connected")
		c.setConnected(true)
		err = c.consume(ctx, body)
		c.setConnected(false)
		body.Close()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("stream_closed", "error", err)
		if !sleep(ctx, c.cfg.ReconnectBase) {
			return
		}
	}
}

// consume reads the stream line by line until EOF or error. Malformed lines are skipped.
func (c *Correlator) consume(ctx context.Context, body io.Reader) error {
	stop := context.AfterFunc(ctx, func() {
		if closer, ok := body.(io.Closer); ok {
			closer.Close()
		}
	})
	defer stop()

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.handleLine(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *Correlator) handleLine(line []byte) {
	ev, err := backend.ParseEvent(line)
	if err != nil {
		if !errors.Is(err, backend.ErrBlankLine) {
			c.log.Debug("stream_line_ignored", "error", err)
		}
		return
	}
	if !c.deliver(ev) {
		c.log.Debug("stream_event_unclaimed", "cid", ev.CorrelationID)
	}
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > max || d <= 0 {
		return max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
