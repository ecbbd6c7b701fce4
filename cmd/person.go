package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/facewatch/internal/config"
	"github.com/kozaktomas/facewatch/internal/database"
	"github.com/kozaktomas/facewatch/internal/gallery"
	"github.com/kozaktomas/facewatch/internal/inference"
	"github.com/kozaktomas/facewatch/internal/monitor"
)

var personCmd = &cobra.Command{
	Use:   "person",
	Short: "Manage registered missing persons",
}

var personImportCmd = &cobra.Command{
	Use:   "import <manifest.yaml>",
	Short: "Register persons from a YAML manifest",
	Long: `Register persons in bulk from a YAML manifest. Each entry carries either
inline reference embeddings or photos, which are embedded by the inference
server (EMBEDDING_URL). Persons are written to PostgreSQL; a running server
loads them on its next start. Use the HTTP API for live registration.

Manifest format:
  persons:
    - id: jana-novakova
      name: Jana Nováková
      age: 34
      last_seen_location: Brno, main station
      last_seen_time: 2026-09-30T18:00:00Z
      images: [photos/jana-1.jpg, photos/jana-2.jpg]
    - id: petr
      name: Petr Svoboda
      embeddings:
        - [0.12, -0.03, ...]

Image paths are relative to the manifest.`,
	Args: cobra.ExactArgs(1),
	RunE: runPersonImport,
}

var personListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered persons",
	Args:  cobra.NoArgs,
	RunE:  runPersonList,
}

var personRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a registered person",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonRemove,
}

func init() {
	rootCmd.AddCommand(personCmd)
	personCmd.AddCommand(personImportCmd, personListCmd, personRemoveCmd)

	personImportCmd.Flags().Bool("dry-run", false, "Validate the manifest and compute embeddings without saving")
	personListCmd.Flags().Bool("json", false, "Output as JSON")
}

type personManifest struct {
	Persons []manifestPerson `yaml:"persons"`
}

type manifestPerson struct {
	ID               string      `yaml:"id"`
	Name             string      `yaml:"name"`
	Age              int         `yaml:"age"`
	LastSeenLocation string      `yaml:"last_seen_location"`
	LastSeenTime     *time.Time  `yaml:"last_seen_time"`
	Description      string      `yaml:"description"`
	ContactInfo      string      `yaml:"contact_info"`
	Notes            string      `yaml:"additional_notes"`
	Embeddings       [][]float32 `yaml:"embeddings"`
	Images           []string    `yaml:"images"`
}

// loadPersonManifest parses a manifest and resolves image paths against its
// directory.
func loadPersonManifest(path string) ([]manifestPerson, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m personManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if len(m.Persons) == 0 {
		return nil, fmt.Errorf("manifest %s lists no persons", path)
	}

	dir := filepath.Dir(path)
	for i := range m.Persons {
		for j, img := range m.Persons[i].Images {
			if !filepath.IsAbs(img) {
				m.Persons[i].Images[j] = filepath.Join(dir, img)
			}
		}
	}
	return m.Persons, nil
}

// buildPerson collects the reference embeddings of a manifest entry and
// validates the result against a scratch gallery of the configured dimension.
func buildPerson(ctx context.Context, mp manifestPerson, registrar monitor.Registrar, minQuality float64, check *gallery.Index) (gallery.Person, error) {
	embeddings := append([][]float32(nil), mp.Embeddings...)
	for _, img := range mp.Images {
		if registrar == nil {
			return gallery.Person{}, monitor.ErrNoRegistrar
		}
		data, err := os.ReadFile(img)
		if err != nil {
			return gallery.Person{}, fmt.Errorf("reading image: %w", err)
		}
		face, err := registrar.BestFace(ctx, data)
		if err != nil {
			return gallery.Person{}, fmt.Errorf("%s: %w", filepath.Base(img), err)
		}
		if face.Quality < minQuality {
			return gallery.Person{}, fmt.Errorf("%s: %w: %.3f < %.3f", filepath.Base(img), inference.ErrLowQuality, face.Quality, minQuality)
		}
		embeddings = append(embeddings, face.Embedding)
	}

	id := strings.TrimSpace(mp.ID)
	if id == "" {
		id = uuid.NewString()
	}
	p := gallery.Person{
		ID:         id,
		Name:       mp.Name,
		Embeddings: embeddings,
		Metadata: gallery.Metadata{
			Age:              mp.Age,
			LastSeenLocation: mp.LastSeenLocation,
			LastSeenTime:     mp.LastSeenTime,
			Description:      mp.Description,
			ContactInfo:      mp.ContactInfo,
			Notes:            mp.Notes,
		},
		RegisteredAt: time.Now().UTC(),
	}
	if err := check.Upsert(p); err != nil {
		return gallery.Person{}, err
	}
	stored, _ := check.Get(p.ID)
	return stored, nil
}

func needsRegistrar(persons []manifestPerson) bool {
	for _, p := range persons {
		if len(p.Images) > 0 {
			return true
		}
	}
	return false
}

func runPersonImport(cmd *cobra.Command, args []string) error {
	dryRun := mustGetBool(cmd, "dry-run")
	ctx := cmd.Context()
	cfg := config.Load()

	persons, err := loadPersonManifest(args[0])
	if err != nil {
		return err
	}

	var writer database.PersonWriter
	if !dryRun {
		pool, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		if writer, err = database.GetPersonWriter(ctx); err != nil {
			return err
		}
	}

	var registrar monitor.Registrar
	if needsRegistrar(persons) {
		registrar = inference.NewHTTPBackend(cfg.Inference.URL, cfg.Inference.Dim, cfg.Inference.Timeout)
	}

	check, err := gallery.New(cfg.Inference.Dim)
	if err != nil {
		return err
	}

	fmt.Printf("Importing %d persons from %s\n\n", len(persons), args[0])
	bar := progressbar.NewOptions(len(persons),
		progressbar.OptionSetDescription("Registering"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("persons"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	var failures []error
	imported := 0
	for i, mp := range persons {
		p, err := buildPerson(ctx, mp, registrar, cfg.Tunables.QualityThreshold, check)
		if err == nil && writer != nil {
			err = writer.SavePerson(ctx, p)
		}
		if err != nil {
			failures = append(failures, fmt.Errorf("entry %d (%s): %w", i, mp.ID, err))
		} else {
			imported++
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	fmt.Printf("\n\nImported: %d\n", imported)
	if dryRun {
		fmt.Println("Dry run, nothing was saved.")
	}
	for _, f := range failures {
		fmt.Printf("  failed: %v\n", f)
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d persons failed: %w", len(failures), len(persons), errors.Join(failures...))
	}
	return nil
}

func runPersonList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.Load()
	pool, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	reader, err := database.GetPersonWriter(ctx)
	if err != nil {
		return err
	}
	persons, err := reader.ListPersons(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persons: %w", err)
	}

	if mustGetBool(cmd, "json") {
		return outputJSON(persons)
	}
	if len(persons) == 0 {
		fmt.Println("No persons registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEMBEDDINGS\tLAST SEEN\tREGISTERED")
	fmt.Fprintln(w, "--\t----\t----------\t---------\t----------")
	for _, p := range persons {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", p.ID, p.Name, len(p.Embeddings),
			p.Metadata.LastSeenLocation, p.RegisteredAt.Format(time.DateTime))
	}
	w.Flush()

	fmt.Printf("\nTotal: %d persons\n", len(persons))
	return nil
}

func runPersonRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.Load()
	pool, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	writer, err := database.GetPersonWriter(ctx)
	if err != nil {
		return err
	}
	removed, err := writer.DeletePerson(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to remove person: %w", err)
	}
	if !removed {
		return fmt.Errorf("%w: %s", monitor.ErrPersonNotFound, args[0])
	}
	fmt.Printf("Removed %s\n", args[0])
	return nil
}
