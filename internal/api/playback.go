package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"vidflow/internal/auth"
	"vidflow/internal/response"
	"vidflow/internal/service"
)

// 24 hours; processed artifacts never change once written.
const defaultCacheSeconds = 86400

type PlaybackAPI struct {
	playback *service.PlaybackService
	logger   *slog.Logger
}

func NewPlaybackAPI(playback *service.PlaybackService, logger *slog.Logger) *PlaybackAPI {
	return &PlaybackAPI{
		playback: playback,
		logger:   logger,
	}
}

// PublicRoutes mounts the streaming read path, which players fetch without a
// token.
func (h *PlaybackAPI) PublicRoutes(r chi.Router) {
	r.Get("/play/{id}/manifest", h.HandleManifest)
	r.Get("/play/{id}/*", h.HandleArtifact)
}

// Routes mounts the authenticated video endpoints.
func (h *PlaybackAPI) Routes(r chi.Router) {
	r.Get("/videos", h.HandleListVideos)
}

// HandleManifest handles GET /play/{id}/manifest
func (h *PlaybackAPI) HandleManifest(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.playback.Manifest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, r, h.logger, err)
		return
	}
	h.stream(w, r, artifact)
}

// HandleArtifact handles GET /play/{id}/{path...}
func (h *PlaybackAPI) HandleArtifact(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, "bad_request", "Invalid file path", "")
		return
	}

	artifact, err := h.playback.Artifact(r.Context(), chi.URLParam(r, "id"), name)
	if err != nil {
		response.Error(w, r, h.logger, err)
		return
	}
	h.stream(w, r, artifact)
}

// HandleListVideos handles GET /videos?status=
func (h *PlaybackAPI) HandleListVideos(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		response.WriteError(w, http.StatusUnauthorized, "unauthorized", "Missing authenticated user", "")
		return
	}

	videos, err := h.playback.ListVideos(r.Context(), userID, r.URL.Query().Get("status"))
	if err != nil {
		response.Error(w, r, h.logger, err)
		return
	}
	response.Data(w, http.StatusOK, videos)
}

func (h *PlaybackAPI) stream(w http.ResponseWriter, r *http.Request, artifact *service.Artifact) {
	defer artifact.Body.Close()

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", defaultCacheSeconds))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, artifact.Body); err != nil {
		h.logger.Debug("playback stream interrupted", "path", r.URL.Path, "error", err)
	}
}
