package handlers_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/stream-chat/internal/handlers"
	"github.com/MegaGrindStone/stream-chat/internal/models"
	"github.com/MegaGrindStone/stream-chat/internal/session"
	"github.com/MegaGrindStone/stream-chat/internal/transport"
	"github.com/tmaxmax/go-sse"
)

type mockLLM struct {
	responses []string
	err       error
	errAfter  int
}

type mockRenderer struct {
	err error
}

type mockController struct {
	snapshot session.Snapshot
	err      error

	calls        []string
	submitted    string
	systemRole   string
	subscriber   func(session.Snapshot)
	unsubscribed bool
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMain(t *testing.T, ctrl *mockController, llm handlers.LLM) handlers.Main {
	t.Helper()
	m, err := handlers.NewMain(ctrl, mockRenderer{}, llm, discardLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	return m
}

func TestNewMain(t *testing.T) {
	ctrl := &mockController{}
	main := newMain(t, ctrl, &mockLLM{})

	if ctrl.subscriber == nil {
		t.Fatal("NewMain() should subscribe to the controller")
	}
	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
	if !ctrl.unsubscribed {
		t.Error("Shutdown() should unsubscribe from the controller")
	}
}

func TestHandleHome(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		url        string
		snapshot   session.Snapshot
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Empty conversation",
			method:     http.MethodGet,
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"No messages yet.", `id="draft"`, "System role", "katex.min.js", `data-streaming="false"`},
		},
		{
			name:   "Committed conversation",
			method: http.MethodGet,
			url:    "/",
			snapshot: session.Snapshot{
				Transcript: []models.Message{
					{Role: models.RoleUser, Content: "Hello"},
					{Role: models.RoleAssistant, Content: "Hi there"},
				},
			},
			wantStatus: http.StatusOK,
			wantBody:   []string{"<p>Hello</p>", "<p>Hi there</p>", `data-action="/retry">`},
		},
		{
			name:   "Streaming draft",
			method: http.MethodGet,
			url:    "/",
			snapshot: session.Snapshot{
				Transcript: []models.Message{{Role: models.RoleUser, Content: "Hello"}},
				Draft:      "Partial",
				State:      session.StateStreaming,
			},
			wantStatus: http.StatusOK,
			wantBody: []string{
				"<p>Partial</p>", `data-action="/stop"`, `data-streaming="true"`, `<textarea name="message" disabled`,
			},
		},
		{
			name:   "Failure notice",
			method: http.MethodGet,
			url:    "/",
			snapshot: session.Snapshot{
				Err: errors.New("endpoint unreachable"),
			},
			wantStatus: http.StatusOK,
			wantBody:   []string{"endpoint unreachable"},
		},
		{
			name:       "Unknown path",
			method:     http.MethodGet,
			url:        "/unknown",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Invalid method",
			method:     http.MethodPost,
			url:        "/",
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, &mockController{snapshot: tt.snapshot}, nil)

			req := httptest.NewRequest(tt.method, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), want)
				}
			}
		})
	}
}

func TestHandleHomeRenderFailure(t *testing.T) {
	ctrl := &mockController{snapshot: session.Snapshot{
		Transcript: []models.Message{{Role: models.RoleUser, Content: "a < b"}},
	}}
	main, err := handlers.NewMain(ctrl, mockRenderer{err: errors.New("boom")}, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	main.HandleHome(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleHome() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "<p>a &lt; b</p>") {
		t.Errorf("HandleHome() body = %v, want escaped fallback", w.Body.String())
	}
}

func TestHandleCommands(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		form       string
		err        error
		wantStatus int
		wantCall   string
	}{
		{
			name:       "Submit",
			method:     http.MethodPost,
			path:       "/submit",
			form:       "message=Hello",
			wantStatus: http.StatusNoContent,
			wantCall:   "submit",
		},
		{
			name:       "Submit while streaming",
			method:     http.MethodPost,
			path:       "/submit",
			form:       "message=Hello",
			err:        session.ErrBusy,
			wantStatus: http.StatusConflict,
			wantCall:   "submit",
		},
		{
			name:       "Submit unexpected failure",
			method:     http.MethodPost,
			path:       "/submit",
			form:       "message=Hello",
			err:        errors.New("broken"),
			wantStatus: http.StatusInternalServerError,
			wantCall:   "submit",
		},
		{
			name:       "Submit invalid method",
			method:     http.MethodGet,
			path:       "/submit",
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Stop",
			method:     http.MethodPost,
			path:       "/stop",
			wantStatus: http.StatusNoContent,
			wantCall:   "stop",
		},
		{
			name:       "Retry",
			method:     http.MethodPost,
			path:       "/retry",
			wantStatus: http.StatusNoContent,
			wantCall:   "retry",
		},
		{
			name:       "Retry while streaming",
			method:     http.MethodPost,
			path:       "/retry",
			err:        session.ErrBusy,
			wantStatus: http.StatusConflict,
			wantCall:   "retry",
		},
		{
			name:       "Clear",
			method:     http.MethodPost,
			path:       "/clear",
			wantStatus: http.StatusNoContent,
			wantCall:   "clear",
		},
		{
			name:       "Clear invalid method",
			method:     http.MethodDelete,
			path:       "/clear",
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "System role",
			method:     http.MethodPost,
			path:       "/system-role",
			form:       "content=Be+brief",
			wantStatus: http.StatusNoContent,
			wantCall:   "system-role",
		},
		{
			name:       "System role locked",
			method:     http.MethodPost,
			path:       "/system-role",
			form:       "content=Be+brief",
			err:        session.ErrSystemRoleLocked,
			wantStatus: http.StatusConflict,
			wantCall:   "system-role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &mockController{err: tt.err}
			main := newMain(t, ctrl, nil)

			routes := map[string]http.HandlerFunc{
				"/submit":      main.HandleSubmit,
				"/stop":        main.HandleStop,
				"/retry":       main.HandleRetry,
				"/clear":       main.HandleClear,
				"/system-role": main.HandleSystemRole,
			}

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.form))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			routes[tt.path](w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("%s status = %v, want %v", tt.path, w.Code, tt.wantStatus)
			}
			if tt.wantCall == "" {
				if len(ctrl.calls) != 0 {
					t.Errorf("controller calls = %v, want none", ctrl.calls)
				}
				return
			}
			if len(ctrl.calls) != 1 || ctrl.calls[0] != tt.wantCall {
				t.Errorf("controller calls = %v, want [%s]", ctrl.calls, tt.wantCall)
			}
		})
	}
}

func TestHandleCommandsForwardForm(t *testing.T) {
	ctrl := &mockController{}
	main := newMain(t, ctrl, nil)

	post := func(h http.HandlerFunc, form string) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		h(httptest.NewRecorder(), req)
	}

	post(main.HandleSubmit, "message=line+one%0Aline+two")
	post(main.HandleSystemRole, "content=++Be+brief++")

	if ctrl.submitted != "line one\nline two" {
		t.Errorf("submitted = %q, want the message field unchanged", ctrl.submitted)
	}
	if ctrl.systemRole != "Be brief" {
		t.Errorf("system role = %q, want trimmed content", ctrl.systemRole)
	}
}

func TestHandleGenerate(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		llm        *mockLLM
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			llm:        &mockLLM{},
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Malformed body",
			method:     http.MethodPost,
			body:       `{"messages":`,
			llm:        &mockLLM{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "No messages",
			method:     http.MethodPost,
			body:       `{"messages":[]}`,
			llm:        &mockLLM{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Invalid role",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"robot","content":"Hi"}]}`,
			llm:        &mockLLM{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Upstream failure",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"Hi"}]}`,
			llm:        &mockLLM{err: errors.New("model unavailable")},
			wantStatus: http.StatusBadGateway,
			wantBody:   "model unavailable",
		},
		{
			name:       "Streams reply",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"system","content":"Be brief"},{"role":"user","content":"Hi"}]}`,
			llm:        &mockLLM{responses: []string{"Hello", "", " world"}},
			wantStatus: http.StatusOK,
			wantBody:   "Hello world",
		},
		{
			name:       "Empty reply",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"Hi"}]}`,
			llm:        &mockLLM{},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, &mockController{}, tt.llm)

			req := httptest.NewRequest(tt.method, "/api/generate", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			main.HandleGenerate(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleGenerate() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleGenerate() body = %q, want to contain %q", w.Body.String(), tt.wantBody)
			}
			if tt.wantStatus == http.StatusOK && !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
				t.Errorf("HandleGenerate() content type = %q, want text/plain", w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestHandleGenerateWithoutLLM(t *testing.T) {
	main := newMain(t, &mockController{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"messages":[]}`))
	w := httptest.NewRecorder()
	main.HandleGenerate(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("HandleGenerate() status = %v, want %v", w.Code, http.StatusNotFound)
	}
}

func TestHandleGenerateAbortsAfterFirstChunk(t *testing.T) {
	llm := &mockLLM{responses: []string{"Par", "tial"}, err: errors.New("connection reset"), errAfter: 1}
	main := newMain(t, &mockController{}, llm)

	req := httptest.NewRequest(http.MethodPost, "/api/generate",
		strings.NewReader(`{"messages":[{"role":"user","content":"Hi"}]}`))
	w := httptest.NewRecorder()

	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Fatalf("HandleGenerate() panic = %v, want http.ErrAbortHandler", r)
		}
		if w.Body.String() != "Par" {
			t.Errorf("HandleGenerate() body = %q, want the chunk sent before the failure", w.Body.String())
		}
	}()
	main.HandleGenerate(w, req)
}

func TestGenerateEmptyReplyThroughController(t *testing.T) {
	main := newMain(t, &mockController{}, &mockLLM{})
	srv := httptest.NewServer(http.HandlerFunc(main.HandleGenerate))
	defer srv.Close()

	c := session.New(transport.NewHTTP(srv.URL, nil, discardLogger()), session.Options{}, discardLogger())
	if err := c.Submit("Hi"); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	snap := c.Snapshot()
	if snap.Err != nil {
		t.Errorf("Err = %v, want nil for an empty reply", snap.Err)
	}
	if len(snap.Transcript) != 1 || snap.State != session.StateIdle {
		t.Errorf("Snapshot = %+v, want only the user message and idle", snap)
	}
}

func readEvents(ctx context.Context, t *testing.T, url string) <-chan sse.Event {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan sse.Event)
	go func() {
		defer close(events)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events
}

func TestSSESendsStateOnConnect(t *testing.T) {
	ctrl := &mockController{snapshot: session.Snapshot{
		Transcript: []models.Message{
			{Role: models.RoleUser, Content: "Hi"},
			{Role: models.RoleAssistant, Content: "Earlier"},
		},
	}}
	main := newMain(t, ctrl, nil)

	srv := httptest.NewServer(http.HandlerFunc(main.HandleSSE))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := readEvents(ctx, t, srv.URL)

	wantTypes := []string{"transcript", "draft", "controls"}
	for i, want := range wantTypes {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed after %d events", i)
			}
			if ev.Type != want {
				t.Fatalf("event %d type = %q, want %q", i, ev.Type, want)
			}
			if want == "transcript" && !strings.Contains(ev.Data, "<p>Earlier</p>") {
				t.Errorf("transcript event = %q, want the current conversation", ev.Data)
			}
			if want == "controls" && !strings.Contains(ev.Data, `data-action="/retry">`) {
				t.Errorf("controls event = %q, want retry enabled", ev.Data)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s event", want)
		}
	}

	cancel()
	if err := main.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestPublishesSnapshots(t *testing.T) {
	ctrl := &mockController{}
	main := newMain(t, ctrl, nil)

	srv := httptest.NewServer(http.HandlerFunc(main.HandleSSE))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := readEvents(ctx, t, srv.URL)

	// Publishing before the session is subscribed reaches nobody, so keep the draft growing until the
	// first draft event arrives.
	draft := "Hel"
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
waitDraft:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed before a draft event")
			}
			if ev.Type == "draft" && strings.Contains(ev.Data, "<p>Hel") {
				break waitDraft
			}
		case <-ticker.C:
			draft += "l"
			ctrl.subscriber(session.Snapshot{
				Transcript: []models.Message{{Role: models.RoleUser, Content: "Hi"}},
				Draft:      draft,
				State:      session.StateStreaming,
			})
		case <-ctx.Done():
			t.Fatal("timed out waiting for a draft event")
		}
	}

	ctrl.subscriber(session.Snapshot{
		Transcript: []models.Message{
			{Role: models.RoleUser, Content: "Hi"},
			{Role: models.RoleAssistant, Content: "Hello"},
		},
	})

	// Fragments from the streaming phase may still be queued ahead of the idle ones.
	var transcript, controls string
	for !strings.Contains(transcript, "<p>Hello</p>") || controls == "" ||
		strings.Contains(controls, `data-action="/stop"`) {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed early")
			}
			switch ev.Type {
			case "transcript":
				transcript = ev.Data
			case "controls":
				controls = ev.Data
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for the idle state, last transcript %q, last controls %q",
				transcript, controls)
		}
	}

	if !strings.Contains(controls, `data-streaming="false"`) {
		t.Errorf("controls event = %q, want the composer marked idle", controls)
	}

	cancel()
	if err := main.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

type blockingRenderer struct {
	release chan struct{}
}

func (r blockingRenderer) Render(text string) (string, error) {
	<-r.release
	return "<p>" + text + "</p>", nil
}

func TestSubscriberDoesNotWaitForRendering(t *testing.T) {
	ctrl := &mockController{}
	renderer := blockingRenderer{release: make(chan struct{})}
	main, err := handlers.NewMain(ctrl, renderer, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		for _, draft := range []string{"a", "ab", "abc"} {
			ctrl.subscriber(session.Snapshot{
				Transcript: []models.Message{{Role: models.RoleUser, Content: "Hi"}},
				Draft:      draft,
				State:      session.StateStreaming,
			})
		}
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber blocked while a fragment was rendering")
	}

	close(renderer.release)
	if err := main.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func (m mockLLM) Chat(_ context.Context, _ []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for i, resp := range m.responses {
			if m.err != nil && i == m.errAfter {
				break
			}
			if !yield(resp, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}
}

func (m mockRenderer) Render(text string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "<p>" + text + "</p>", nil
}

func (m *mockController) Submit(text string) error {
	m.calls = append(m.calls, "submit")
	m.submitted = text
	return m.err
}

func (m *mockController) Stop() {
	m.calls = append(m.calls, "stop")
}

func (m *mockController) Retry() error {
	m.calls = append(m.calls, "retry")
	return m.err
}

func (m *mockController) Clear() {
	m.calls = append(m.calls, "clear")
}

func (m *mockController) SetSystemRole(text string) error {
	m.calls = append(m.calls, "system-role")
	m.systemRole = text
	return m.err
}

func (m *mockController) Snapshot() session.Snapshot {
	return m.snapshot
}

func (m *mockController) Subscribe(fn func(session.Snapshot)) func() {
	m.subscriber = fn
	return func() { m.unsubscribed = true }
}
