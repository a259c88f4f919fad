package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"image/jpeg"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/zsiec/devicemirror/internal/errors"
	"github.com/zsiec/devicemirror/internal/metrics"
	"github.com/zsiec/devicemirror/internal/registry"
	"github.com/zsiec/devicemirror/pkg/mirror"
	"github.com/zsiec/devicemirror/pkg/version"
)

// SessionResponse describes the running session.
type SessionResponse struct {
	ID     string            `json:"id"`
	Mode   string            `json:"mode"`
	Stream mirror.StreamInfo `json:"stream"`
	Stats  mirror.Stats      `json:"stats"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if err := s.writeJSON(w, http.StatusOK, version.GetInfo()); err != nil {
		s.logger.WithError(err).Error("Failed to encode version response")
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	src := s.current()
	if src == nil {
		s.writeError(w, r, apperrors.NewServiceDownError("mirroring session"))
		return
	}

	resp := SessionResponse{
		ID:     src.ID(),
		Mode:   src.Mode().String(),
		Stream: src.Info(),
		Stats:  src.Stats(),
	}
	w.Header().Set("Cache-Control", "no-store")
	if err := s.writeJSON(w, http.StatusOK, resp); err != nil {
		s.logger.WithError(err).Error("Failed to encode session response")
	}
}

// SessionsResponse lists the registered sessions.
type SessionsResponse struct {
	Sessions []*registry.Record `json:"sessions"`
	Count    int                `json:"count"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		s.writeError(w, r, apperrors.NewServiceDownError("session registry"))
		return
	}
	records, err := s.directory.List(r.Context())
	if err != nil {
		s.writeError(w, r, apperrors.WrapInternalError(err, "failed to list sessions"))
		return
	}
	if records == nil {
		records = []*registry.Record{}
	}

	w.Header().Set("Cache-Control", "no-store")
	if err := s.writeJSON(w, http.StatusOK, SessionsResponse{Sessions: records, Count: len(records)}); err != nil {
		s.logger.WithError(err).Error("Failed to encode sessions response")
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		s.writeError(w, r, apperrors.NewServiceDownError("session registry"))
		return
	}
	rec, err := s.directory.Get(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		s.writeError(w, r, apperrors.NewNotFoundError("session"))
		return
	case err != nil:
		s.writeError(w, r, apperrors.WrapInternalError(err, "failed to get session"))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	if err := s.writeJSON(w, http.StatusOK, rec); err != nil {
		s.logger.WithError(err).Error("Failed to encode session record")
	}
}

// handleSnapshot encodes the most recent frame as JPEG. It does not mark the
// frame delivered for pull consumers.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	quality := s.config.SnapshotQuality
	if q := r.URL.Query().Get("quality"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 100 {
			s.snapshotError(w, r, apperrors.NewValidationError("quality must be an integer between 1 and 100"))
			return
		}
		quality = n
	}

	src := s.current()
	if src == nil {
		s.snapshotError(w, r, apperrors.NewServiceDownError("mirroring session"))
		return
	}
	f := src.LatestSnapshot()
	if f == nil {
		s.snapshotError(w, r, apperrors.NewNotFoundError("frame"))
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image(), &jpeg.Options{Quality: quality}); err != nil {
		s.snapshotError(w, r, apperrors.WrapInternalError(err, "failed to encode frame"))
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	w.Header().Set("X-Frame-PTS-Us", strconv.FormatInt(f.PTS.Microseconds(), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.WithError(err).Debug("Snapshot client went away")
	}
	metrics.RecordSnapshotRequest(strconv.Itoa(http.StatusOK))
}

func (s *Server) snapshotError(w http.ResponseWriter, r *http.Request, err *apperrors.AppError) {
	metrics.RecordSnapshotRequest(strconv.Itoa(err.HTTPStatus))
	s.writeError(w, r, err)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.errorHandler.HandleError(w, r, err)
}
