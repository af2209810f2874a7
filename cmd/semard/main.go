package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/semarlabs/semar-go/internal/config"
	"github.com/semarlabs/semar-go/internal/engine"
	"github.com/semarlabs/semar-go/internal/llm"
	"github.com/semarlabs/semar-go/internal/logger"
	"github.com/semarlabs/semar-go/internal/prompt"
	"github.com/semarlabs/semar-go/internal/session"
	"github.com/semarlabs/semar-go/internal/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		return
	}
	logger.SetLevel(cfg.Log.Level)

	ctx := context.Background()

	store, err := newStore(ctx, cfg.Store)
	if err != nil {
		logger.L.Error("failed to open session store", "backend", cfg.Store.Backend, "error", err)
		return
	}

	tmpl, err := prompt.Lookup(cfg.Prompt.Variant)
	if err != nil {
		logger.L.Error("unknown prompt variant", "variant", cfg.Prompt.Variant, "known", prompt.Variants(), "error", err)
		return
	}
	extraPrompts := prompt.DiscoverSystemPrompts(ctx, cfg.Prompt.MCPServers)

	llmClient := llm.NewOpenAI(cfg.LLM)
	var counter tokens.Counter
	if cfg.LLM.TokenCounter == "heuristic" {
		counter = &tokens.HeuristicCounter{}
	} else {
		counter = tokens.NewTiktokenCounter()
	}
	eng := engine.New(llmClient, store, counter, tmpl, cfg.LLM.Model, extraPrompts)

	mux := newRouter(eng)

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.L.Info("starting server", "address", serverAddr, "variant", cfg.Prompt.Variant, "store", cfg.Store.Backend)
	if err := http.ListenAndServe(serverAddr, mux); err != nil {
		logger.L.Error("failed to start server", "error", err)
	}
}

func newRouter(eng *engine.Engine) *http.ServeMux {
	mux := http.NewServeMux()

	// Identity capture: both fields required before a session exists.
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID      string `json:"user_id"`
			DisplayName string `json:"display_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		sess, greeting, err := eng.StartSession(r.Context(), session.Identity{
			UserID:      req.UserID,
			DisplayName: req.DisplayName,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"session":  sess,
			"greeting": greeting,
		})
	})

	// Session resumption: replay the stored transcript for display.
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sess, err := eng.Session(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	mux.HandleFunc("POST /sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		id := r.PathValue("id")
		if r.URL.Query().Get("stream") == "" {
			exchange, err := eng.Process(r.Context(), id, req.Message)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, exchange)
			return
		}

		// Streaming display: fragments are flushed as they arrive while
		// persistence waits for the assembled reply.
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		streamed := false
		_, err := eng.ProcessStream(r.Context(), id, req.Message, func(fragment string) {
			if !streamed {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				streamed = true
			}
			fmt.Fprint(w, fragment)
			flusher.Flush()
		})
		if err != nil {
			logger.L.Error("streamed exchange failed", "session_id", id, "error", err)
			if !streamed {
				// nothing flushed yet, a proper status is still possible
				writeError(w, err)
				return
			}
			// mid-stream failure: the status line is gone, so end the
			// stream with an explicit error marker the caller can act on
			fmt.Fprintf(w, "\n\nerror: %s\n", err)
			flusher.Flush()
		}
	})

	return mux
}

func newStore(ctx context.Context, cfg config.StoreConfig) (session.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return session.NewMemoryStore(), nil
	case config.BackendSQLite:
		return session.NewSQLiteStore(cfg.Path)
	case config.BackendMongo:
		return session.NewMongoStore(ctx, cfg.URI, cfg.Database)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("response encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, engine.ErrIdentityRequired), errors.Is(err, engine.ErrEmptyUtterance):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrCompletion):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
