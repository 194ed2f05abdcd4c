package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/receipt-ledger/internal/api/middleware"
	"github.com/dvloznov/receipt-ledger/internal/jobs"
	"github.com/dvloznov/receipt-ledger/internal/share"
)

// SyncHandler handles manual full sync triggers.
type SyncHandler struct {
	publisher jobs.Publisher
	log       zerolog.Logger
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(publisher jobs.Publisher, log zerolog.Logger) *SyncHandler {
	return &SyncHandler{
		publisher: publisher,
		log:       log,
	}
}

// TriggerFullSync handles POST /api/sync. It returns as soon as the job is
// queued; the outcome is visible through the jobs endpoints.
func (h *SyncHandler) TriggerFullSync(w http.ResponseWriter, r *http.Request) {
	job := &jobs.SyncJob{Type: jobs.JobTypeFullSync, Trigger: "api"}
	if err := h.publisher.Publish(r.Context(), job); err != nil {
		h.log.Error().Err(err).Msg("Failed to enqueue full sync")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue sync")
		return
	}

	h.log.Info().Str("job_id", job.JobID).Msg("Full sync enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"status": string(job.Status),
	})
}

// fileCreatedEvent is the Nextcloud flow webhook event name for new files.
const fileCreatedEvent = `\OCP\Files::postCreate`

// maxHookBody bounds webhook payloads.
const maxHookBody = 1 << 20

// FlowEvent is the part of a Nextcloud flow webhook body that matters here.
type FlowEvent struct {
	EventName string   `json:"eventName"`
	Node      FileNode `json:"node"`
}

// FileNode describes the file a flow event is about.
type FileNode struct {
	InternalPath string `json:"internalPath"`
	ModifiedTime int64  `json:"modifiedTime"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	Etag         string `json:"Etag"`
}

// RemoteFile converts the node to the share's file description.
func (n FileNode) RemoteFile() share.RemoteFile {
	return share.RemoteFile{
		Name:         path.Base(n.InternalPath),
		Fingerprint:  n.Etag,
		LastModified: time.Unix(n.ModifiedTime, 0).UTC(),
		ContentType:  n.MimeType,
	}
}

// HooksHandler turns file-created notifications into single-file sync jobs.
type HooksHandler struct {
	publisher jobs.Publisher
	log       zerolog.Logger
}

// NewHooksHandler creates a new hooks handler.
func NewHooksHandler(publisher jobs.Publisher, log zerolog.Logger) *HooksHandler {
	return &HooksHandler{
		publisher: publisher,
		log:       log,
	}
}

// Receive handles POST /hooks. Only file-created events are supported; any
// other event is answered with 501.
func (h *HooksHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	h.log.Debug().Str("body", string(body)).Msg("Received hook")

	var event FlowEvent
	if err := json.Unmarshal(body, &event); err != nil || event.EventName != fileCreatedEvent {
		h.log.Info().Str("event", event.EventName).Msg("Ignoring unsupported hook event")
		middleware.WriteError(w, http.StatusNotImplemented, "Unsupported event")
		return
	}

	if strings.TrimSpace(event.Node.InternalPath) == "" {
		middleware.WriteError(w, http.StatusBadRequest, "node.internalPath is required")
		return
	}

	file := event.Node.RemoteFile()
	job := &jobs.SyncJob{Type: jobs.JobTypeFileSync, File: &file, Trigger: "hook"}
	if err := h.publisher.Publish(r.Context(), job); err != nil {
		h.log.Error().Err(err).Str("file", file.Name).Msg("Failed to enqueue file sync")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue sync")
		return
	}

	h.log.Info().
		Str("job_id", job.JobID).
		Str("file", file.Name).
		Str("fingerprint", file.Fingerprint).
		Msg("File sync enqueued")

	w.WriteHeader(http.StatusAccepted)
}

// LedgerReader returns the persisted ledger text.
type LedgerReader interface {
	LedgerText(ctx context.Context) (string, error)
}

// LedgerHandler serves the current ledger.
type LedgerHandler struct {
	reader LedgerReader
	log    zerolog.Logger
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(reader LedgerReader, log zerolog.Logger) *LedgerHandler {
	return &LedgerHandler{
		reader: reader,
		log:    log,
	}
}

// GetLedger handles GET /api/ledger.
func (h *LedgerHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	text, err := h.reader.LedgerText(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read ledger")
		status := http.StatusBadGateway
		var terr *share.TransportError
		if errors.As(err, &terr) && (terr.StatusCode == http.StatusUnauthorized || terr.StatusCode == http.StatusForbidden) {
			status = http.StatusForbidden
		}
		middleware.WriteError(w, status, "Failed to read ledger")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, text)
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()

	job, err := h.store.GetJob(ctx, jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Parse query parameters
	query := r.URL.Query()
	filter := jobs.JobFilter{
		Type:   jobs.JobType(query.Get("type")),
		Status: jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
