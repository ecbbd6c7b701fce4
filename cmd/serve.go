package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/facewatch/internal/config"
	"github.com/kozaktomas/facewatch/internal/database"
	"github.com/kozaktomas/facewatch/internal/inference"
	"github.com/kozaktomas/facewatch/internal/inference/mock"
	"github.com/kozaktomas/facewatch/internal/monitor"
	"github.com/kozaktomas/facewatch/internal/sink"
	"github.com/kozaktomas/facewatch/internal/stream"
	"github.com/kozaktomas/facewatch/internal/web"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start watching streams and serve the API",
	Long: `Start the facewatch server.
Persons and streams are restored from PostgreSQL when DATABASE_URL is set,
streams listed in STREAMS_FILE are added on top, and the detection pipeline
starts immediately. Alerts are published to MQTT when MQTT_BROKER is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().String("streams-file", "", "YAML file with streams to add at startup")
	serveCmd.Flags().String("backend", "", "Inference backend: http or mock")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
}

// applyServeFlags lets explicitly set flags win over environment variables.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Web.Port = mustGetInt(cmd, "port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Web.Host = mustGetString(cmd, "host")
	}
	if cmd.Flags().Changed("streams-file") {
		cfg.Stream.File = mustGetString(cmd, "streams-file")
	}
	if cmd.Flags().Changed("backend") {
		cfg.Inference.Backend = mustGetString(cmd, "backend")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = mustGetString(cmd, "log-level")
	}
}

// newInferenceBackend returns the detector used for both stream frames and
// still image registration.
func newInferenceBackend(cfg *config.Config) (inference.Backend, monitor.Registrar, error) {
	switch cfg.Inference.Backend {
	case "", "http":
		b := inference.NewHTTPBackend(cfg.Inference.URL, cfg.Inference.Dim, cfg.Inference.Timeout)
		return b, b, nil
	case "mock":
		log.Warn().Msg("Using the mock inference backend, no faces will be detected")
		b := mock.New()
		return b, b, nil
	default:
		return nil, nil, fmt.Errorf("unknown inference backend %q", cfg.Inference.Backend)
	}
}

// serveResources are the collaborators that need closing on shutdown.
type serveResources struct {
	deps    monitor.Deps
	history database.DetectionReader
	closers []func()
}

func (r *serveResources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// registerStorage wires PostgreSQL persistence when DATABASE_URL is set.
func registerStorage(ctx context.Context, cfg *config.Config, res *serveResources) error {
	if cfg.Database.URL == "" {
		log.Info().Msg("DATABASE_URL not set, persons and streams are kept in memory only")
		return nil
	}

	pool, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	res.closers = append(res.closers, func() {
		if err := pool.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database pool")
		}
	})

	if res.deps.Persons, err = database.GetPersonWriter(ctx); err != nil {
		return err
	}
	if res.deps.Streams, err = database.GetStreamStore(ctx); err != nil {
		return err
	}
	writer, err := database.GetDetectionWriter(ctx)
	if err != nil {
		return err
	}
	res.deps.Sinks = append(res.deps.Sinks, writer)
	if res.history, err = database.GetDetectionReader(ctx); err != nil {
		return err
	}
	log.Info().Msg("Using PostgreSQL persistence")
	return nil
}

// registerMQTT adds the alert publisher when MQTT_BROKER is set. A broker
// that is down at startup is not fatal; paho keeps reconnecting.
func registerMQTT(ctx context.Context, cfg *config.Config, res *serveResources) {
	if cfg.MQTT.Broker == "" {
		return
	}
	pub := sink.NewMQTTPublisher(cfg.MQTT)
	if err := pub.Connect(ctx); err != nil {
		log.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT broker unavailable, alerts will be published once it connects")
	}
	res.deps.Sinks = append(res.deps.Sinks, pub)
	res.deps.MQTT = pub
	res.closers = append(res.closers, pub.Disconnect)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	applyServeFlags(cmd, cfg)
	config.SetupLogging(cfg.Log)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Streams outlive the signal so in-flight requests can drain first.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	backend, registrar, err := newInferenceBackend(cfg)
	if err != nil {
		return err
	}

	res := &serveResources{deps: monitor.Deps{
		Backend:   backend,
		Registrar: registrar,
		Sources: stream.NewSourceFactory(stream.SourceOptions{
			FFmpegPath:  cfg.Stream.FFmpegPath,
			DemoFPS:     cfg.Stream.DemoFPS,
			OpenTimeout: cfg.Stream.FailureTimeout,
		}),
	}}
	defer res.close()

	if err := registerStorage(runCtx, cfg, res); err != nil {
		return err
	}
	registerMQTT(runCtx, cfg, res)

	bootstrap, err := monitor.LoadStreamsFile(cfg.Stream.File)
	if err != nil {
		return err
	}

	m, err := monitor.New(runCtx, cfg, res.deps)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	if err := m.Start(runCtx, bootstrap); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	defer m.Close()

	server := web.NewServer(cfg, m, res.history)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("Facewatch listening on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("starting server: %w", err)
		}
		return nil
	case <-sigCtx.Done():
	}

	fmt.Println("\nShutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	cancelRun()
	return nil
}
