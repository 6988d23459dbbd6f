package main

import (
	"encoding/json"
	"net/http"

	ctxengine "github.com/tsic/core/internal/context"
	"github.com/tsic/core/internal/orchestrator"
)

// newServer builds the daemon's HTTP surface: health checks, per-user
// session lifecycle (start/stop/sync-now, consumed by the desktop shell
// that owns the actual UI), and the ask endpoint fronting the Context
// Assembly Engine.
func newServer(supervisor *orchestrator.Supervisor, ctxSvc *ctxengine.Service) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/sessions/start", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		supervisor.StartUser(userID)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/sessions/stop", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		supervisor.StopUser(userID)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/sessions/sync-now", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		supervisor.SyncNow(userID)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/ask", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.Question == "" {
			http.Error(w, "user_id and question are required", http.StatusBadRequest)
			return
		}

		opts := ctxengine.AskOptions{SessionID: req.SessionID}
		if req.FilteredContext != nil {
			repos := make([]ctxengine.Repository, 0, len(req.FilteredContext.Repositories))
			for _, rp := range req.FilteredContext.Repositories {
				repos = append(repos, ctxengine.Repository{Owner: rp.Owner, Name: rp.Name})
			}
			opts.Filtered = &ctxengine.FilteredContext{
				MeetingIDs:   req.FilteredContext.MeetingIDs,
				TaskIDs:      req.FilteredContext.TaskIDs,
				Repositories: repos,
			}
		}

		result, err := ctxSvc.Ask(r.Context(), req.UserID, req.Question, opts)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(askResponseFrom(result))
	})

	return mux
}

type repoRef struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

type filteredContextRequest struct {
	MeetingIDs   []string  `json:"meeting_ids"`
	TaskIDs      []string  `json:"task_ids"`
	Repositories []repoRef `json:"repositories"`
}

type askRequest struct {
	UserID          string                   `json:"user_id"`
	Question        string                   `json:"question"`
	SessionID       string                   `json:"session_id"`
	FilteredContext *filteredContextRequest `json:"filtered_context"`
}

type sourceResponse struct {
	Type        string   `json:"type"`
	IDOrPath    string   `json:"id_or_path"`
	TitleOrName string   `json:"title_or_name"`
	Similarity  *float64 `json:"similarity,omitempty"`
}

type contextUsedResponse struct {
	Meetings   int `json:"meetings"`
	Tasks      int `json:"tasks"`
	CodeChunks int `json:"code_chunks"`
}

type askResponse struct {
	Answer      string              `json:"answer"`
	Sources     []sourceResponse    `json:"sources"`
	ContextUsed contextUsedResponse `json:"context_used"`
}

func askResponseFrom(r ctxengine.AskResult) askResponse {
	sources := make([]sourceResponse, 0, len(r.Sources))
	for _, s := range r.Sources {
		sources = append(sources, sourceResponse{
			Type:        s.Type,
			IDOrPath:    s.IDOrPath,
			TitleOrName: s.TitleOrName,
			Similarity:  s.Similarity,
		})
	}
	return askResponse{
		Answer:  r.Answer,
		Sources: sources,
		ContextUsed: contextUsedResponse{
			Meetings:   r.ContextUsed.Meetings,
			Tasks:      r.ContextUsed.Tasks,
			CodeChunks: r.ContextUsed.CodeChunks,
		},
	}
}
