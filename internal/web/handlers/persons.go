package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/facewatch/internal/gallery"
	"github.com/kozaktomas/facewatch/internal/matcher"
	"github.com/kozaktomas/facewatch/internal/monitor"
)

// maxImageUpload bounds registration and search uploads.
const maxImageUpload = 20 << 20

// PersonsHandler manages the gallery of missing persons.
type PersonsHandler struct {
	monitor *monitor.Monitor
}

// NewPersonsHandler creates a new persons handler
func NewPersonsHandler(m *monitor.Monitor) *PersonsHandler {
	return &PersonsHandler{monitor: m}
}

// PersonResponse is a registered person without the embeddings themselves.
type PersonResponse struct {
	gallery.Person
	EmbeddingCount int `json:"embedding_count"`
}

func newPersonResponse(p gallery.Person) PersonResponse {
	return PersonResponse{Person: p, EmbeddingCount: len(p.Embeddings)}
}

// UpsertPersonRequest registers a person from precomputed embeddings.
type UpsertPersonRequest struct {
	Name       string           `json:"name"`
	Embeddings [][]float32      `json:"embeddings"`
	Metadata   gallery.Metadata `json:"metadata"`
}

// SearchResponse lists registered persons ranked against an uploaded face.
type SearchResponse struct {
	Results []matcher.Result `json:"results"`
	Count   int              `json:"count"`
}

// List returns all registered persons ordered by id.
func (h *PersonsHandler) List(w http.ResponseWriter, r *http.Request) {
	persons := h.monitor.ListPersons()
	out := make([]PersonResponse, 0, len(persons))
	for _, p := range persons {
		out = append(out, newPersonResponse(p))
	}
	respondJSON(w, http.StatusOK, out)
}

// Get returns one person.
func (h *PersonsHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.monitor.GetPerson(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newPersonResponse(p))
}

// Upsert registers or replaces the person named in the path.
func (h *PersonsHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req UpsertPersonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	p, err := h.monitor.UpsertPerson(r.Context(), gallery.Person{
		ID:           chi.URLParam(r, "id"),
		Name:         req.Name,
		Embeddings:   req.Embeddings,
		Metadata:     req.Metadata,
		RegisteredAt: time.Now().UTC(),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newPersonResponse(p))
}

// RegisterImage registers a person from an uploaded photo. The image comes
// as the multipart "file" field with metadata in form fields, or as the raw
// body with metadata in the query string. Without an id in the path a new
// one is generated.
func (h *PersonsHandler) RegisterImage(w http.ResponseWriter, r *http.Request) {
	image, err := readImage(w, r, maxImageUpload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid image upload: "+err.Error())
		return
	}

	meta, err := parseMetadata(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.monitor.RegisterFromImage(r.Context(), monitor.Registration{
		ID:       chi.URLParam(r, "id"),
		Name:     r.FormValue("name"),
		Metadata: meta,
		Image:    image,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newPersonResponse(p))
}

// Delete removes a person from the gallery.
func (h *PersonsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.RemovePerson(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search ranks registered persons against the best face in an uploaded image.
func (h *PersonsHandler) Search(w http.ResponseWriter, r *http.Request) {
	image, err := readImage(w, r, maxImageUpload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid image upload: "+err.Error())
		return
	}

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := h.monitor.Search(r.Context(), image, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, SearchResponse{Results: results, Count: len(results)})
}

// parseMetadata reads registration metadata from form or query values.
func parseMetadata(r *http.Request) (gallery.Metadata, error) {
	meta := gallery.Metadata{
		LastSeenLocation: strings.TrimSpace(r.FormValue("last_seen_location")),
		Description:      strings.TrimSpace(r.FormValue("description")),
		ContactInfo:      strings.TrimSpace(r.FormValue("contact_info")),
		Notes:            strings.TrimSpace(r.FormValue("additional_notes")),
	}
	if v := r.FormValue("age"); v != "" {
		age, err := strconv.Atoi(v)
		if err != nil || age < 0 {
			return meta, errors.New("age must be a non-negative integer")
		}
		meta.Age = age
	}
	if v := r.FormValue("last_seen_time"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return meta, errors.New("last_seen_time must be an RFC 3339 timestamp")
		}
		meta.LastSeenTime = &ts
	}
	return meta, nil
}
