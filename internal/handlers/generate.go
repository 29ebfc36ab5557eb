package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/stream-chat/internal/models"
)

type generateRequest struct {
	Messages []models.Message `json:"messages"`
}

const maxGenerateBody = 1 << 20

// HandleGenerate is the reference generation endpoint. It accepts a JSON body with the conversation
// messages and streams the assistant reply as plain UTF-8 text, flushing after every chunk. An error
// before the first chunk is reported with a 502 status, an error after it aborts the response so the
// client sees a broken stream.
func (m Main) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if m.llm == nil {
		http.Error(w, "Generation is not configured", http.StatusNotFound)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGenerateBody)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "Messages are required", http.StatusBadRequest)
		return
	}
	if err := models.ValidateMessages(req.Messages); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rc := http.NewResponseController(w)
	started := false
	for chunk, err := range m.llm.Chat(r.Context(), req.Messages) {
		if err != nil {
			m.logger.Error("Error from llm", slog.Bool("started", started), slog.String(errLoggerKey, err.Error()))
			if !started {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			panic(http.ErrAbortHandler)
		}
		if chunk == "" {
			continue
		}
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			m.logger.Error("Failed to write chunk", slog.String(errLoggerKey, err.Error()))
			return
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			m.logger.Error("Failed to flush chunk", slog.String(errLoggerKey, err.Error()))
			return
		}
	}

	if !started {
		// An empty reply is still a successful one.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}
}
