package upload

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"vidflow/internal/auth"
	"vidflow/internal/response"
)

const maxRequestBytes = 1 << 20

// Standard error codes not covered by apperror kinds
const (
	ErrUnauthorized = "unauthorized"
	ErrBadRequest   = "bad_request"
)

type Handler struct {
	uploadService *Service
	logger        *slog.Logger
}

func NewHandler(uploadService *Service, logger *slog.Logger) *Handler {
	return &Handler{
		uploadService: uploadService,
		logger:        logger,
	}
}

// Routes mounts the upload endpoints. Object keys contain slashes and must be
// path-escaped by the client.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/uploads/initiate", h.HandleInitiate)
	r.Post("/uploads/{key}/presign", h.HandlePresign)
	r.Get("/uploads/{key}/parts", h.HandleListParts)
	r.Post("/uploads/{key}/complete", h.HandleComplete)
	r.Post("/uploads/{key}/abort", h.HandleAbort)
}

// HandleInitiate handles POST /uploads/initiate
func (h *Handler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req InitiateRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.uploadService.Initiate(r.Context(), userID, &req)
	if err != nil {
		response.Error(w, r, h.logger, err)
		return
	}
	response.Data(w, http.StatusCreated, resp)
}

// HandlePresign handles POST /uploads/{key}/presign
func (h *Handler) HandlePresign(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	objectKey, ok := h.objectKey(w, r)
	if !ok {
		return
	}

	var req PresignRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.uploadService.Presign(r.Context(), userID, objectKey, &req)
	if err != nil {
		response.Error(w, r, h.logger, err)
		return
	}
	response.Data(w, http.StatusOK, resp)
}

// HandleListParts handles GET /uploads/{key}/parts?upload_id=
func (h *Handler) HandleListParts(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	objectKey, ok := h.objectKey(w, r)
	if !ok {
		return
	}

	parts, err := h.uploadService.ListParts(r.Context(), userID, objectKey, r.URL.Query().Get("upload_id"))
	if err != nil {
		response.Error(w, r, h.logger, err)
		return
	}
	response.Data(w, http.StatusOK, parts)
}

// HandleComplete handles POST /uploads/{key}/complete
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	objectKey, ok := h.objectKey(w, r)
	if !ok {
		return
	}

	var req CompleteRequest
	if !h.decode(w, r, &req) {
		return
	}

	v, err := h.uploadService.Complete(r.Context(), userID, objectKey, &req)
	if err != nil {
		response.Error(w, r, h.logger, err)
		return
	}
	response.Data(w, http.StatusOK, v)
}

// HandleAbort handles POST /uploads/{key}/abort
func (h *Handler) HandleAbort(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	objectKey, ok := h.objectKey(w, r)
	if !ok {
		return
	}

	var req AbortRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.uploadService.Abort(r.Context(), userID, objectKey, &req); err != nil {
		response.Error(w, r, h.logger, err)
		return
	}
	response.Data(w, http.StatusOK, AbortResponse{Success: true})
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		response.WriteError(w, http.StatusUnauthorized, ErrUnauthorized, "Missing authenticated user", "")
		return "", false
	}
	return userID, true
}

func (h *Handler) objectKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		response.WriteError(w, http.StatusBadRequest, ErrBadRequest, "Invalid object key", "Escape the key with encodeURIComponent")
		return "", false
	}
	return key, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		response.WriteError(w, http.StatusBadRequest, ErrBadRequest, "Invalid request body", "")
		return false
	}
	return true
}
