package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/facewatch/internal/config"
	"github.com/kozaktomas/facewatch/internal/database"
	"github.com/kozaktomas/facewatch/internal/gallery"
	"github.com/kozaktomas/facewatch/internal/inference"
	"github.com/kozaktomas/facewatch/internal/monitor"
	"github.com/kozaktomas/facewatch/internal/sink"
	"github.com/kozaktomas/facewatch/internal/stream"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// maxJSONBody bounds JSON request bodies. Person upserts carry several
// 512-dimensional embeddings, so this is larger than a typical API limit.
const maxJSONBody = 8 << 20

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, stream.ErrNotFound), errors.Is(err, monitor.ErrPersonNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrDuplicateStreamID):
		return http.StatusConflict
	case errors.Is(err, stream.ErrNoFrameYet), errors.Is(err, database.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, gallery.ErrInvalidEmbeddingDimension),
		errors.Is(err, inference.ErrLowQuality),
		errors.Is(err, inference.ErrNoFace):
		return http.StatusUnprocessableEntity
	case errors.Is(err, stream.ErrInvalidConfig),
		errors.Is(err, config.ErrInvalidSettings),
		errors.Is(err, gallery.ErrNoEmbeddings),
		errors.Is(err, gallery.ErrEmptyPersonID):
		return http.StatusBadRequest
	case errors.Is(err, monitor.ErrNoRegistrar):
		return http.StatusNotImplemented
	case errors.Is(err, inference.ErrEmbeddingFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondServiceError maps err to a status and logs unexpected failures.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Error().Err(err).Str("path", sanitizeForLog(r.URL.Path)).Msg("Request failed")
	}
	respondError(w, status, err.Error())
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// readImage returns the uploaded image from a multipart "file" field or a raw
// image body.
func readImage(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(limit); err != nil {
			return nil, err
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty image")
	}
	return data, nil
}

// parseFilter reads the detection filter from the query string:
// stream, matched, alerts, since (RFC 3339) and limit.
func parseFilter(r *http.Request) (sink.Filter, error) {
	q := r.URL.Query()
	f := sink.Filter{StreamID: q.Get("stream")}

	if v := q.Get("matched"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("matched must be true or false")
		}
		f.Matched = &b
	}
	if v := q.Get("alerts"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("alerts must be true or false")
		}
		f.AlertsOnly = b
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return f, errors.New("since must be an RFC 3339 timestamp")
		}
		f.Since = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
