// Package session implements the streaming session controller: the state machine that owns the
// transcript, streams one assistant reply at a time from a transport, and commits the streamed text
// back into the transcript on completion, stop, or failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/stream-chat/internal/models"
	"github.com/MegaGrindStone/stream-chat/internal/transcript"
)

// Transport opens a streaming generation call. A returned error means the call failed before any
// byte of the reply arrived. Each Read on the returned body yields one chunk of the reply, and
// cancelling ctx aborts the call.
type Transport interface {
	Open(ctx context.Context, messages []models.Message) (io.ReadCloser, error)
}

// State is the controller's current phase.
type State int

const (
	// StateIdle means no request is in flight.
	StateIdle State = iota
	// StateStreaming means a generation request is open and the live draft is growing.
	StateStreaming
	// StateCommitting is held only while the draft moves into the transcript. Observers never see it.
	StateCommitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCommitting:
		return "committing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrBusy is returned by Submit while a reply is streaming.
	ErrBusy = errors.New("a reply is already streaming")
	// ErrSystemRoleLocked is returned when the system role is edited after the conversation started.
	ErrSystemRoleLocked = errors.New("system role can only be changed before the conversation starts")
)

const defaultChunkSize = 4096

// Options configures a Controller.
type Options struct {
	// SystemRole is the default system-role text. It is restored by Clear. Empty means no system
	// message is sent.
	SystemRole string
	// Timeout bounds each generation request. Zero disables the deadline.
	Timeout time.Duration
	// ChunkSize is the read buffer size used on the reply body.
	ChunkSize int
}

// Snapshot is a point-in-time view of the controller for rendering.
type Snapshot struct {
	Transcript []models.Message
	Draft      string
	State      State
	SystemRole string

	// Err is the failure that ended the last request, if any. A user stop is not a failure.
	Err error
}

// Streaming reports whether a reply is in flight.
func (s Snapshot) Streaming() bool {
	return s.State == StateStreaming
}

// CanRetry reports whether Retry would regenerate the last reply.
func (s Snapshot) CanRetry() bool {
	return s.State == StateIdle && len(s.Transcript) > 0 &&
		s.Transcript[len(s.Transcript)-1].Role == models.RoleAssistant
}

// Controller owns the transcript and the live draft of one conversation. All methods are safe for
// concurrent use; state changes are serialized and observers see them in order.
type Controller struct {
	transport Transport
	logger    *slog.Logger

	defaultSystemRole string
	timeout           time.Duration
	chunkSize         int

	mu         sync.Mutex
	transcript *transcript.Store
	draft      strings.Builder
	state      State
	systemRole string
	handle     *handle
	lastErr    error

	observers      map[int]func(Snapshot)
	nextObserverID int

	readers sync.WaitGroup
}

// New creates an idle Controller with an empty transcript that streams replies from transport.
func New(transport Transport, opts Options, logger *slog.Logger) *Controller {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Controller{
		transport:         transport,
		logger:            logger.With(slog.String("module", "session")),
		defaultSystemRole: opts.SystemRole,
		timeout:           opts.Timeout,
		chunkSize:         chunkSize,
		transcript:        transcript.New(),
		systemRole:        opts.SystemRole,
		observers:         make(map[int]func(Snapshot)),
	}
}

// Submit appends a user message and starts streaming the reply. Empty text is ignored. While a reply
// is streaming Submit returns ErrBusy and changes nothing.
func (c *Controller) Submit(text string) error {
	if text == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return ErrBusy
	}
	if err := c.transcript.Append(models.Message{Role: models.RoleUser, Content: text}); err != nil {
		return fmt.Errorf("failed to append user message: %w", err)
	}
	c.startLocked()
	return nil
}

// Retry drops the last assistant message and streams a new reply for the remaining history. It does
// nothing unless the controller is idle and the transcript ends with an assistant message.
func (c *Controller) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle || c.transcript.LastRole() != models.RoleAssistant {
		return nil
	}
	c.transcript.RemoveLast()
	c.startLocked()
	return nil
}

// Stop cancels the in-flight request and commits whatever text has streamed so far. It does nothing
// when no reply is streaming.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming {
		return
	}
	c.logger.Debug("Stopping stream", slog.String("requestID", c.handle.id))
	c.commitLocked()
}

// Clear cancels any in-flight request, then empties the transcript and the draft and restores the
// default system role.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		c.logger.Debug("Cancelling stream on clear", slog.String("requestID", c.handle.id))
		c.handle.release()
		c.handle = nil
	}
	c.transcript.Clear()
	c.draft.Reset()
	c.systemRole = c.defaultSystemRole
	c.lastErr = nil
	c.state = StateIdle
	c.publishLocked()
}

// SetSystemRole replaces the system-role text sent ahead of the transcript. It is only allowed
// before the first message and while idle.
func (c *Controller) SetSystemRole(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle || c.transcript.Len() > 0 {
		return ErrSystemRoleLocked
	}
	if c.systemRole == text {
		return nil
	}
	c.systemRole = text
	c.publishLocked()
	return nil
}

// Snapshot returns the current transcript, draft and state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshotLocked()
}

// Subscribe registers fn to receive a Snapshot after every change and returns a function that
// removes it. fn runs synchronously while the controller is locked, so it must not call back into the
// controller.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextObserverID
	c.nextObserverID++
	c.observers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// Wait blocks until every reader goroutine has returned.
func (c *Controller) Wait() {
	c.readers.Wait()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Transcript: c.transcript.Snapshot(),
		Draft:      c.draft.String(),
		State:      c.state,
		SystemRole: c.systemRole,
		Err:        c.lastErr,
	}
}

func (c *Controller) publishLocked() {
	if len(c.observers) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for id := 0; id < c.nextObserverID; id++ {
		if fn, ok := c.observers[id]; ok {
			fn(snap)
		}
	}
}

func (c *Controller) requestMessagesLocked() []models.Message {
	history := c.transcript.Snapshot()
	if c.systemRole == "" {
		return history
	}
	msgs := make([]models.Message, 0, len(history)+1)
	msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: c.systemRole})
	return append(msgs, history...)
}

func (c *Controller) startLocked() {
	ctx, h := acquireHandle(c.timeout)
	c.handle = h
	c.draft.Reset()
	c.lastErr = nil
	c.state = StateStreaming

	msgs := c.requestMessagesLocked()
	c.logger.Debug("Starting stream",
		slog.String("requestID", h.id),
		slog.Int("messages", len(msgs)))
	c.publishLocked()

	c.readers.Add(1)
	go c.stream(ctx, h, msgs)
}

// stream runs the transport call for h. It never touches controller state once h has been released.
func (c *Controller) stream(ctx context.Context, h *handle, msgs []models.Message) {
	defer c.readers.Done()

	body, err := c.transport.Open(ctx, msgs)
	if err != nil {
		c.abort(h, err)
		return
	}
	defer body.Close()

	dec := newTextDecoder()
	buf := make([]byte, c.chunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			text, decErr := dec.Decode(buf[:n])
			if !c.appendChunk(h, text) {
				return
			}
			if decErr != nil {
				c.finish(h, fmt.Errorf("failed to decode chunk: %w", decErr))
				return
			}
		}
		if errors.Is(readErr, io.EOF) {
			tail, decErr := dec.Flush()
			if !c.appendChunk(h, tail) {
				return
			}
			if decErr != nil {
				decErr = fmt.Errorf("failed to decode chunk: %w", decErr)
			}
			c.finish(h, decErr)
			return
		}
		if readErr != nil {
			c.finish(h, fmt.Errorf("failed to read chunk: %w", readErr))
			return
		}
	}
}

// appendChunk adds decoded text to the draft. It returns false once h is no longer the active handle.
func (c *Controller) appendChunk(h *handle, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != h {
		return false
	}
	if text == "" {
		return true
	}
	// Upstream formatting sometimes emits a lone newline after a line break; keep a single one.
	if text == "\n" && strings.HasSuffix(c.draft.String(), "\n") {
		return true
	}
	c.draft.WriteString(text)
	c.publishLocked()
	return true
}

// abort handles a failure before any chunk arrived. Nothing is committed.
func (c *Controller) abort(h *handle, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != h {
		return
	}
	c.logger.Error("Failed to open stream",
		slog.String("requestID", h.id),
		slog.String(errLoggerKey, err.Error()))

	h.release()
	c.handle = nil
	c.draft.Reset()
	c.lastErr = err
	c.state = StateIdle
	c.publishLocked()
}

// finish commits the draft when the stream for h ends, with err set if it ended by failure.
func (c *Controller) finish(h *handle, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != h {
		return
	}
	if err != nil {
		c.logger.Error("Stream failed, committing partial reply",
			slog.String("requestID", h.id),
			slog.Int("draftLen", c.draft.Len()),
			slog.String(errLoggerKey, err.Error()))
		c.lastErr = err
	}
	c.commitLocked()
}

func (c *Controller) commitLocked() {
	c.state = StateCommitting

	h := c.handle
	h.release()
	c.handle = nil

	if c.draft.Len() > 0 {
		msg := models.Message{Role: models.RoleAssistant, Content: c.draft.String()}
		if err := c.transcript.Append(msg); err != nil {
			c.logger.Error("Failed to commit reply",
				slog.String("requestID", h.id),
				slog.String(errLoggerKey, err.Error()))
		}
	}
	c.logger.Debug("Committed reply",
		slog.String("requestID", h.id),
		slog.Int("length", c.draft.Len()),
		slog.Duration("elapsed", time.Since(h.started)))

	c.draft.Reset()
	c.state = StateIdle
	c.publishLocked()
}

const errLoggerKey = "err"
