package monitor

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/facewatch/internal/frame"
	"github.com/kozaktomas/facewatch/internal/stream"
)

// AddStream starts a stream and persists its config. A persistence failure
// leaves the stream running and is only logged.
func (m *Monitor) AddStream(ctx context.Context, cfg stream.Config) (stream.State, error) {
	st, err := m.manager.Add(cfg)
	if err != nil {
		return st, err
	}
	if m.streams != nil {
		if err := m.streams.SaveStream(ctx, st.Config); err != nil {
			log.Error().Err(err).Str("stream_id", st.ID).Msg("Failed to persist stream")
		}
	}
	return st, nil
}

// RemoveStream stops a stream. Workers holding one of its frames finish it.
func (m *Monitor) RemoveStream(ctx context.Context, id string) error {
	if err := m.manager.Remove(id); err != nil {
		return err
	}
	if m.streams != nil {
		if _, err := m.streams.DeleteStream(ctx, id); err != nil {
			log.Error().Err(err).Str("stream_id", id).Msg("Failed to delete persisted stream")
		}
	}
	return nil
}

func (m *Monitor) ListStreams() []stream.State { return m.manager.List() }

func (m *Monitor) GetStream(id string) (stream.State, error) { return m.manager.Get(id) }

func (m *Monitor) RetryStream(id string) error { return m.manager.Retry(id) }

// LatestFrame peeks at the newest frame without consuming it.
func (m *Monitor) LatestFrame(id string) (frame.Frame, error) { return m.manager.LatestFrame(id) }

type streamsFile struct {
	Streams []stream.Config `yaml:"streams"`
}

// LoadStreamsFile reads the optional YAML bootstrap file:
//
//	streams:
//	  - id: lobby
//	    name: Lobby
//	    source: rtsp://10.0.0.5/stream
func LoadStreamsFile(path string) ([]stream.Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading streams file: %w", err)
	}
	var f streamsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing streams file %s: %w", path, err)
	}
	for i, cfg := range f.Streams {
		if _, err := cfg.Normalize(); err != nil {
			return nil, fmt.Errorf("streams file entry %d: %w", i, err)
		}
	}
	return f.Streams, nil
}
