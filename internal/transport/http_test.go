package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/MegaGrindStone/stream-chat/internal/models"
	"github.com/MegaGrindStone/stream-chat/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpen(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "Be brief"},
		{Role: models.RoleUser, Content: "Hi"},
	}

	var got struct {
		Messages []models.Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		_, _ = w.Write([]byte("Hello"))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte(" World"))
	}))
	defer srv.Close()

	tr := transport.NewHTTP(srv.URL, srv.Client(), discardLogger())
	body, err := tr.Open(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "Hello World" {
		t.Errorf("body = %q, want %q", data, "Hello World")
	}
	if !slices.Equal(got.Messages, msgs) {
		t.Errorf("request messages = %+v, want %+v", got.Messages, msgs)
	}
}

func TestOpenStatusError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
	}{
		{name: "Internal server error", statusCode: http.StatusInternalServerError, body: "model crashed"},
		{name: "Bad gateway without body", statusCode: http.StatusBadGateway},
		{name: "Unauthorized", statusCode: http.StatusUnauthorized, body: "invalid api key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			tr := transport.NewHTTP(srv.URL, nil, discardLogger())
			_, err := tr.Open(context.Background(), nil)

			var statusErr *transport.StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("Open() error = %v, want *StatusError", err)
			}
			if statusErr.StatusCode != tt.statusCode {
				t.Errorf("StatusCode = %d, want %d", statusErr.StatusCode, tt.statusCode)
			}
			if statusErr.Body != tt.body {
				t.Errorf("Body = %q, want %q", statusErr.Body, tt.body)
			}
		})
	}
}

func TestOpenCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	tr := transport.NewHTTP(srv.URL, nil, discardLogger())
	body, err := tr.Open(ctx, []models.Message{{Role: models.RoleUser, Content: "Hi"}})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer body.Close()

	buf := make([]byte, 64)
	n, err := body.Read(buf)
	if err != nil || string(buf[:n]) != "first" {
		t.Fatalf("Read() = %q, %v, want first chunk", buf[:n], err)
	}

	cancel()

	done := make(chan error, 1)
	go func() {
		_, err := body.Read(buf)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Read() after cancel succeeded, want error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read() did not return after cancel")
	}
}

func TestOpenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := transport.NewHTTP(url, nil, discardLogger())
	if _, err := tr.Open(context.Background(), nil); err == nil {
		t.Error("Open() on a closed server succeeded, want error")
	}
}

func TestOpenNoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := transport.NewHTTP(srv.URL, nil, discardLogger())
	if _, err := tr.Open(context.Background(), nil); !errors.Is(err, transport.ErrNoBody) {
		t.Errorf("Open() error = %v, want %v", err, transport.ErrNoBody)
	}
}

func TestOpenEmptyReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := transport.NewHTTP(srv.URL, nil, discardLogger())
	body, err := tr.Open(context.Background(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v, want an empty stream", err)
	}
	defer body.Close()

	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("body = %q, want empty", got)
	}
}
