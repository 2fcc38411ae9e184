package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/assetfetch/internal/logctx"
	"github.com/italolelis/assetfetch/internal/transfer"
)

// TransferService is the part of transfer.Manager the API drives.
type TransferService interface {
	Start(ctx context.Context, id, url string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Status(id string) (transfer.Entry, bool)
	List() []transfer.Entry
	IsLocallyAvailable(id string) bool
}

// TransferRequest is the body accepted by every mutating endpoint. URL is only
// read by start.
type TransferRequest struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// TransferView is the JSON form of a registered transfer.
type TransferView struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	State         string     `json:"state"`
	Progress      float64    `json:"progress"`
	BytesWritten  int64      `json:"bytesWritten"`
	BytesExpected int64      `json:"bytesExpected"`
	TotalSize     string     `json:"totalSize,omitempty"`
	Resumable     bool       `json:"resumable"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	PausedAt      *time.Time `json:"pausedAt,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newTransferView(e transfer.Entry) TransferView {
	v := TransferView{
		ID:            e.ID,
		URL:           e.URL,
		State:         e.State.String(),
		Progress:      e.Progress,
		BytesWritten:  e.BytesWritten,
		BytesExpected: e.BytesExpected,
		Resumable:     len(e.Token) > 0,
		UpdatedAt:     e.UpdatedAt,
	}

	if !e.PausedAt.IsZero() {
		pausedAt := e.PausedAt
		v.PausedAt = &pausedAt
	}

	if e.BytesExpected > 0 {
		v.TotalSize = humanize.IBytes(uint64(e.BytesExpected))
	}

	return v
}

type TransfersHandler struct {
	username string
	password string
	svc      TransferService
}

// NewTransfersHandler creates the transfer API handler. Basic auth is enforced
// only when username is set.
func NewTransfersHandler(username, password string, svc TransferService) *TransfersHandler {
	return &TransfersHandler{
		username: username,
		password: password,
		svc:      svc,
	}
}

func (h *TransfersHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/transfers", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleStart)
		r.Get("/status", h.HandleStatus)
		r.Post("/pause", h.HandlePause)
		r.Post("/resume", h.HandleResume)
		r.Post("/cancel", h.HandleCancel)
	})
	r.Get("/artifacts", h.HandleArtifact)

	return r
}

func (h *TransfersHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	err := h.svc.Start(r.Context(), req.ID, req.URL)

	var active *transfer.AlreadyActiveError

	switch {
	case errors.As(err, &active):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		logctx.LoggerFromContext(r.Context()).Error("failed to start transfer", "transfer_id", req.ID, "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.writeStatus(w, http.StatusAccepted, req.ID)
	}
}

// HandlePause pauses a downloading transfer. Pausing a paused transfer is
// accepted as well.
func (h *TransfersHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	if _, found := h.svc.Status(req.ID); !found {
		writeError(w, http.StatusNotFound, transfer.ErrNotFound.Error())
		return
	}

	if err := h.svc.Pause(r.Context(), req.ID); err != nil {
		writeServiceError(w, r, "pause", req.ID, err)
		return
	}

	h.writeStatus(w, http.StatusAccepted, req.ID)
}

func (h *TransfersHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	if err := h.svc.Resume(r.Context(), req.ID); err != nil {
		writeServiceError(w, r, "resume", req.ID, err)
		return
	}

	h.writeStatus(w, http.StatusAccepted, req.ID)
}

func (h *TransfersHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	if err := h.svc.Cancel(r.Context(), req.ID); err != nil {
		writeServiceError(w, r, "cancel", req.ID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *TransfersHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	entries := h.svc.List()

	views := make([]TransferView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newTransferView(e))
	}

	writeJSON(w, http.StatusOK, views)
}

func (h *TransfersHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	e, ok := h.svc.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, transfer.ErrNotFound.Error())
		return
	}

	writeJSON(w, http.StatusOK, newTransferView(e))
}

func (h *TransfersHandler) HandleArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        id,
		"available": h.svc.IsLocallyAvailable(id),
	})
}

// writeStatus answers with the current view of id, or just the id when the
// transfer is no longer registered.
func (h *TransfersHandler) writeStatus(w http.ResponseWriter, code int, id string) {
	if e, ok := h.svc.Status(id); ok {
		writeJSON(w, code, newTransferView(e))
		return
	}

	writeJSON(w, code, TransferRequest{ID: id})
}

func (h *TransfersHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (TransferRequest, bool) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return req, false
	}

	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")

		return req, false
	}

	return req, true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, op, id string, err error) {
	if errors.Is(err, transfer.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	logctx.LoggerFromContext(r.Context()).Error("failed to "+op+" transfer", "transfer_id", id, "err", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(v)
}
