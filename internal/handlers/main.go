package handlers

import (
	"context"
	"html/template"
	"iter"
	"log/slog"
	"time"

	streamchat "github.com/MegaGrindStone/stream-chat"
	"github.com/MegaGrindStone/stream-chat/internal/models"
	"github.com/MegaGrindStone/stream-chat/internal/session"
	"github.com/tmaxmax/go-sse"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context
// and a sequence of messages, returning an iterator that yields response chunks and potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// Controller is the streaming session that owns the conversation shown by the web interface.
type Controller interface {
	Submit(text string) error
	Stop()
	Retry() error
	Clear()
	SetSystemRole(text string) error

	Snapshot() session.Snapshot
	Subscribe(fn func(session.Snapshot)) func()
}

// Renderer turns message text into an HTML fragment.
type Renderer interface {
	Render(text string) (string, error)
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and interactions between the controller, the renderer and the LLM.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	controller Controller
	renderer   Renderer
	llm        LLM

	publisher   *publisher
	unsubscribe func()

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewMain creates a new Main instance with the provided Controller, Renderer and LLM implementations.
// It parses the HTML templates from the embedded filesystem and subscribes to the controller so every
// change of the conversation is pushed to connected browsers. The llm may be nil when replies are
// generated by an external endpoint.
func NewMain(controller Controller, renderer Renderer, llm LLM, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		streamchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	m := Main{
		sseSrv:     &sse.Server{},
		templates:  tmpl,
		controller: controller,
		renderer:   renderer,
		llm:        llm,
		logger:     logger.With(slog.String("module", "main")),
	}
	m.sseSrv.OnSession = m.onSession
	m.publisher = newPublisher(m, controller.Snapshot())
	m.unsubscribe = controller.Subscribe(m.publisher.enqueue)

	return m, nil
}

// Shutdown gracefully terminates the Main instance's SSE server. It stops listening to the controller,
// sends the updates still pending, broadcasts a close message to all connected clients and waits up
// to 5 seconds for connections to terminate. After the timeout, any remaining connections are
// forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.unsubscribe()
	m.publisher.close()

	e := &sse.Message{Type: closeSSEType}
	// Events without data are not dispatched by browsers
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// onSession sends the current page fragments to a newly connected client before subscribing it, so a
// reconnecting browser catches up on changes it missed.
func (m Main) onSession(s *sse.Session) (sse.Subscription, bool) {
	for _, msg := range m.fragments(m.controller.Snapshot()) {
		if err := s.Send(msg); err != nil {
			m.logger.Error("Failed to send initial state", slog.String(errLoggerKey, err.Error()))
			return sse.Subscription{}, false
		}
	}
	if err := s.Flush(); err != nil {
		m.logger.Error("Failed to flush initial state", slog.String(errLoggerKey, err.Error()))
		return sse.Subscription{}, false
	}

	return sse.Subscription{
		Client:      s,
		LastEventID: s.LastEventID,
		Topics:      []string{sse.DefaultTopic},
	}, true
}
