package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facewatch/internal/config"
	"github.com/kozaktomas/facewatch/internal/database"
	"github.com/kozaktomas/facewatch/internal/stream"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Manage persisted camera streams",
	Long: `Manage the stream configurations stored in PostgreSQL. The server
restores them on start; running servers are changed through the HTTP API.`,
}

var streamAddCmd = &cobra.Command{
	Use:   "add <id> <source>",
	Short: "Add or replace a stream",
	Long: `Add or replace a stream. The source is a webcam index (0), a device
(/dev/video1), an rtsp:// or http:// URL, a video file or "demo".

Examples:
  facewatch stream add lobby rtsp://10.0.0.5/stream --name Lobby --location "Main hall"
  facewatch stream add desk 0
  facewatch stream add test demo`,
	Args: cobra.ExactArgs(2),
	RunE: runStreamAdd,
}

var streamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted streams",
	Args:  cobra.NoArgs,
	RunE:  runStreamList,
}

var streamRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a persisted stream",
	Args:  cobra.ExactArgs(1),
	RunE:  runStreamRemove,
}

func init() {
	rootCmd.AddCommand(streamCmd)
	streamCmd.AddCommand(streamAddCmd, streamListCmd, streamRemoveCmd)

	streamAddCmd.Flags().String("name", "", "Display name (defaults to the id)")
	streamAddCmd.Flags().String("location", "", "Where the camera is")
	streamAddCmd.Flags().String("type", "", "Source type: webcam, rtsp, http, file or demo (inferred when empty)")
	streamListCmd.Flags().Bool("json", false, "Output as JSON")
}

// streamConfigFromArgs builds and validates a stream config from the add
// command's arguments and flags.
func streamConfigFromArgs(cmd *cobra.Command, args []string) (stream.Config, error) {
	cfg := stream.Config{
		ID:       args[0],
		Source:   args[1],
		Name:     mustGetString(cmd, "name"),
		Location: mustGetString(cmd, "location"),
		Kind:     stream.Kind(mustGetString(cmd, "type")),
	}
	return cfg.Normalize()
}

func openStreamStore(cmd *cobra.Command) (database.StreamStore, func(), error) {
	pool, err := openDatabase(cmd.Context(), config.Load())
	if err != nil {
		return nil, nil, err
	}
	store, err := database.GetStreamStore(cmd.Context())
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, func() { pool.Close() }, nil
}

func runStreamAdd(cmd *cobra.Command, args []string) error {
	cfg, err := streamConfigFromArgs(cmd, args)
	if err != nil {
		return err
	}

	store, closeStore, err := openStreamStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.SaveStream(cmd.Context(), cfg); err != nil {
		return fmt.Errorf("failed to save stream: %w", err)
	}
	fmt.Printf("Saved stream %s (%s %s)\n", cfg.ID, cfg.Kind, cfg.Source)
	return nil
}

func runStreamList(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStreamStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	streams, err := store.ListStreams(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list streams: %w", err)
	}

	if mustGetBool(cmd, "json") {
		return outputJSON(streams)
	}
	if len(streams) == 0 {
		fmt.Println("No streams configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSOURCE\tLOCATION")
	fmt.Fprintln(w, "--\t----\t----\t------\t--------")
	for _, s := range streams {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Kind, s.Source, s.Location)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d streams\n", len(streams))
	return nil
}

func runStreamRemove(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStreamStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	removed, err := store.DeleteStream(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to remove stream: %w", err)
	}
	if !removed {
		return fmt.Errorf("%w: %s", stream.ErrNotFound, args[0])
	}
	fmt.Printf("Removed %s\n", args[0])
	return nil
}
