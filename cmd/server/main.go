package main

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	streamchat "github.com/MegaGrindStone/stream-chat"
	"github.com/MegaGrindStone/stream-chat/internal/handlers"
	"github.com/MegaGrindStone/stream-chat/internal/render"
	"github.com/MegaGrindStone/stream-chat/internal/session"
	"github.com/MegaGrindStone/stream-chat/internal/transport"
)

const errLoggerKey = "err"

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath, err := configPath()
	if err != nil {
		bootLogger.Error("Failed to resolve config path", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("Failed to load config", slog.String("path", cfgPath), slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	var llm handlers.LLM
	if cfg.LLM != nil {
		llm, err = cfg.LLM.llm(logger)
		if err != nil {
			logger.Error("Failed to create llm", slog.String(errLoggerKey, err.Error()))
			os.Exit(1)
		}
	}

	tr := transport.NewHTTP(cfg.generateEndpoint(), &http.Client{}, logger)
	controller := session.New(tr, session.Options{
		SystemRole: cfg.SystemPrompt,
		Timeout:    cfg.RequestTimeout,
	}, logger)

	m, err := handlers.NewMain(controller, render.NewMarkdown(render.DefaultStyle), llm, logger)
	if err != nil {
		logger.Error("Failed to create handlers", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	// Serve static files
	staticFS, err := fs.Sub(streamchat.StaticFS, "static")
	if err != nil {
		logger.Error("Failed to open static files", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/submit", m.HandleSubmit)
	mux.HandleFunc("/stop", m.HandleStop)
	mux.HandleFunc("/retry", m.HandleRetry)
	mux.HandleFunc("/clear", m.HandleClear)
	mux.HandleFunc("/system-role", m.HandleSystemRole)
	mux.HandleFunc("/sse", m.HandleSSE)
	mux.HandleFunc("/api/generate", m.HandleGenerate)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("generateURL", cfg.generateEndpoint()))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String(errLoggerKey, err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Stop the in-flight reply first, so its request to the generation endpoint is not left open.
		controller.Stop()
		controller.Wait()

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
}
