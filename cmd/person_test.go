package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kozaktomas/facewatch/internal/gallery"
	"github.com/kozaktomas/facewatch/internal/inference"
	"github.com/kozaktomas/facewatch/internal/inference/mock"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadPersonManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "persons.yaml", `
persons:
  - id: jana
    name: Jana Nováková
    age: 34
    last_seen_location: Brno
    last_seen_time: 2026-09-30T18:00:00Z
    images: [photos/jana.jpg, /abs/jana.jpg]
  - id: petr
    name: Petr
    embeddings:
      - [1, 0, 0, 0]
`)

	persons, err := loadPersonManifest(path)
	if err != nil {
		t.Fatalf("loadPersonManifest: %v", err)
	}
	if len(persons) != 2 {
		t.Fatalf("expected 2 persons, got %d", len(persons))
	}

	jana := persons[0]
	if jana.Age != 34 || jana.LastSeenLocation != "Brno" {
		t.Errorf("unexpected metadata %+v", jana)
	}
	if jana.LastSeenTime == nil || jana.LastSeenTime.Day() != 30 {
		t.Errorf("expected last_seen_time to be parsed, got %v", jana.LastSeenTime)
	}
	if want := filepath.Join(dir, "photos", "jana.jpg"); jana.Images[0] != want {
		t.Errorf("expected relative image resolved to %s, got %s", want, jana.Images[0])
	}
	if jana.Images[1] != "/abs/jana.jpg" {
		t.Errorf("absolute image path changed: %s", jana.Images[1])
	}
	if len(persons[1].Embeddings) != 1 || len(persons[1].Embeddings[0]) != 4 {
		t.Errorf("unexpected inline embeddings %v", persons[1].Embeddings)
	}
	if needsRegistrar(persons[1:]) {
		t.Error("inline embeddings should not need the inference server")
	}
}

func TestLoadPersonManifest_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"empty", "persons: []\n"},
		{"not yaml", "persons: [\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, dir, tc.name+".yaml", tc.content)
			if _, err := loadPersonManifest(path); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := loadPersonManifest(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestBuildPerson(t *testing.T) {
	dir := t.TempDir()
	img := writeFile(t, dir, "face.jpg", "jpeg")

	tests := []struct {
		name       string
		person     manifestPerson
		face       *inference.RegistrationFace
		wantErr    error
		wantRefs   int
		wantNormal string
	}{
		{
			name:       "inline embeddings",
			person:     manifestPerson{ID: " petr ", Name: "Petr Svoboda", Embeddings: [][]float32{{1, 0, 0, 0}}},
			wantRefs:   1,
			wantNormal: "petr svoboda",
		},
		{
			name:       "image and inline",
			person:     manifestPerson{ID: "jana", Name: "Jana Nováková", Embeddings: [][]float32{{0, 1, 0, 0}}, Images: []string{img}},
			face:       &inference.RegistrationFace{Embedding: []float32{1, 0, 0, 0}, Quality: 0.9},
			wantRefs:   2,
			wantNormal: "jana novakova",
		},
		{
			name:    "low quality photo",
			person:  manifestPerson{ID: "blurry", Images: []string{img}},
			face:    &inference.RegistrationFace{Embedding: []float32{1, 0, 0, 0}, Quality: 0.2},
			wantErr: inference.ErrLowQuality,
		},
		{
			name:    "no face in photo",
			person:  manifestPerson{ID: "empty", Images: []string{img}},
			wantErr: inference.ErrNoFace,
		},
		{
			name:    "wrong dimension",
			person:  manifestPerson{ID: "short", Embeddings: [][]float32{{1, 0}}},
			wantErr: gallery.ErrInvalidEmbeddingDimension,
		},
		{
			name:    "nothing to register",
			person:  manifestPerson{ID: "bare"},
			wantErr: gallery.ErrNoEmbeddings,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			check, err := gallery.New(4)
			if err != nil {
				t.Fatalf("gallery.New: %v", err)
			}
			backend := mock.New()
			backend.Registration = tc.face

			p, err := buildPerson(t.Context(), tc.person, backend, 0.7, check)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildPerson: %v", err)
			}
			if len(p.Embeddings) != tc.wantRefs {
				t.Errorf("expected %d reference embeddings, got %d", tc.wantRefs, len(p.Embeddings))
			}
			if p.NormalizedName != tc.wantNormal {
				t.Errorf("expected normalized name %q, got %q", tc.wantNormal, p.NormalizedName)
			}
		})
	}
}

func TestBuildPerson_GeneratesID(t *testing.T) {
	check, _ := gallery.New(4)
	p, err := buildPerson(t.Context(), manifestPerson{Name: "Unknown", Embeddings: [][]float32{{1, 0, 0, 0}}}, nil, 0.7, check)
	if err != nil {
		t.Fatalf("buildPerson: %v", err)
	}
	if p.ID == "" {
		t.Error("expected a generated id")
	}
}
