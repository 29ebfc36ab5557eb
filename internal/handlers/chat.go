package handlers

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/stream-chat/internal/models"
	"github.com/MegaGrindStone/stream-chat/internal/session"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	Role    string
	Content template.HTML
}

type controls struct {
	Streaming         bool
	CanRetry          bool
	CanClear          bool
	CanEditSystemRole bool
	SystemRole        string
	Error             string
}

type homePageData struct {
	Messages []message
	Draft    template.HTML
	Controls controls
}

// SSE event types for real-time updates.
var (
	transcriptSSEType = sse.Type("transcript")
	draftSSEType      = sse.Type("draft")
	controlsSSEType   = sse.Type("controls")
	closeSSEType      = sse.Type("closeChat")
)

// HandleHome renders the chat page with the current transcript, the live draft if a reply is
// streaming, and the controls that are valid in the current state.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	snap := m.controller.Snapshot()
	data := homePageData{
		Messages: m.messages(snap.Transcript),
		Draft:    m.renderContent(snap.Draft),
		Controls: controlsOf(snap),
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSubmit appends the "message" form field as a user message and starts streaming the reply.
// An empty message is accepted and ignored. The page is updated through SSE, so a successful
// request answers with no content.
func (m Main) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if !m.allowPost(w, r) {
		return
	}
	m.respond(w, "submit", m.controller.Submit(r.FormValue("message")))
}

// HandleStop cancels the streaming reply and keeps the text received so far.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	if !m.allowPost(w, r) {
		return
	}
	m.controller.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// HandleRetry regenerates the last assistant reply.
func (m Main) HandleRetry(w http.ResponseWriter, r *http.Request) {
	if !m.allowPost(w, r) {
		return
	}
	m.respond(w, "retry", m.controller.Retry())
}

// HandleClear cancels any streaming reply and empties the conversation.
func (m Main) HandleClear(w http.ResponseWriter, r *http.Request) {
	if !m.allowPost(w, r) {
		return
	}
	m.controller.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// HandleSystemRole sets the system-role text from the "content" form field. It is rejected once the
// conversation has started.
func (m Main) HandleSystemRole(w http.ResponseWriter, r *http.Request) {
	if !m.allowPost(w, r) {
		return
	}
	m.respond(w, "system role", m.controller.SetSystemRole(strings.TrimSpace(r.FormValue("content"))))
}

// HandleSSE serves the event stream that carries transcript, draft and controls updates.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func (m Main) allowPost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodPost {
		return true
	}
	m.logger.Error("Method not allowed", slog.String("method", r.Method), slog.String("path", r.URL.Path))
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (m Main) respond(w http.ResponseWriter, action string, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrSystemRoleLocked):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		m.logger.Error("Failed to "+action, slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) messages(transcript []models.Message) []message {
	msgs := make([]message, len(transcript))
	for i, msg := range transcript {
		msgs[i] = message{
			Role:    string(msg.Role),
			Content: m.renderContent(msg.Content),
		}
	}
	return msgs
}

// renderContent falls back to escaped plain text when markdown rendering fails, so a bad message never
// blanks the page.
func (m Main) renderContent(text string) template.HTML {
	if text == "" {
		return ""
	}
	html, err := m.renderer.Render(text)
	if err != nil {
		m.logger.Error("Failed to render contents",
			slog.Int("length", len(text)),
			slog.String(errLoggerKey, err.Error()))
		return template.HTML("<p>" + template.HTMLEscapeString(text) + "</p>")
	}
	// The renderer drops raw HTML from its input.
	return template.HTML(html) //nolint:gosec
}

func controlsOf(snap session.Snapshot) controls {
	c := controls{
		Streaming:         snap.Streaming(),
		CanRetry:          snap.CanRetry(),
		CanClear:          len(snap.Transcript) > 0,
		CanEditSystemRole: snap.State == session.StateIdle && len(snap.Transcript) == 0,
		SystemRole:        snap.SystemRole,
	}
	if snap.Err != nil {
		c.Error = snap.Err.Error()
	}
	return c
}
