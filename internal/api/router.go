// Package api assembles the HTTP surface of the receipt ledger server.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/receipt-ledger/internal/api/handlers"
	"github.com/dvloznov/receipt-ledger/internal/api/middleware"
	"github.com/dvloznov/receipt-ledger/internal/jobs"
)

// RouterConfig carries what the routes need.
type RouterConfig struct {
	Publisher          jobs.Publisher
	JobStore           jobs.JobStore
	Ledger             handlers.LedgerReader
	LedgerToken        string
	AllowedOriginHosts []string
	Log                zerolog.Logger
}

// NewRouter returns the complete handler including middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log

	syncHandler := handlers.NewSyncHandler(cfg.Publisher, log)
	hooksHandler := handlers.NewHooksHandler(cfg.Publisher, log)
	ledgerHandler := handlers.NewLedgerHandler(cfg.Ledger, log)
	jobsHandler := handlers.NewJobsHandler(cfg.JobStore, log)

	mux := http.NewServeMux()

	mux.HandleFunc("/hooks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			hooksHandler.Receive(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			syncHandler.TriggerFullSync(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	ledgerAuth := middleware.BearerAuth(cfg.LedgerToken)
	mux.Handle("/api/ledger", ledgerAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			ledgerHandler.GetLedger(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})))

	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			jobsHandler.ListJobs(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// Extract job ID from path
			jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
			if jobID == "" {
				middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
				return
			}
			jobsHandler.GetJob(w, r, jobID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	return middleware.Chain(mux,
		middleware.Recovery(log),
		middleware.RequestID,
		middleware.Logger(log),
		middleware.CORS(cfg.AllowedOriginHosts),
	)
}
