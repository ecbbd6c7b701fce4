// Package stream ingests frames from cameras and keeps every stream healthy:
// one supervisor per stream with reconnect backoff, and a manager owning the
// set of supervisors.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrDuplicateStreamID = errors.New("duplicate stream id")
	ErrNotFound          = errors.New("stream not found")
	ErrNoFrameYet        = errors.New("no frame captured yet")
	ErrInvalidConfig     = errors.New("invalid stream config")

	// ErrStreamOpen and ErrStreamTimeout drive state transitions and never
	// reach callers of the manager.
	ErrStreamOpen    = errors.New("stream open failed")
	ErrStreamTimeout = errors.New("stream timed out")
)

// Kind is the declared source type.
type Kind string

const (
	KindDemo   Kind = "demo"
	KindWebcam Kind = "webcam"
	KindRTSP   Kind = "rtsp"
	KindHTTP   Kind = "http"
	KindFile   Kind = "file"
)

func (k Kind) valid() bool {
	switch k {
	case KindDemo, KindWebcam, KindRTSP, KindHTTP, KindFile:
		return true
	}
	return false
}

// Config describes one stream.
type Config struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
	Source   string `json:"source" yaml:"source"`
	Kind     Kind   `json:"type,omitempty" yaml:"type,omitempty"`
}

// Normalize trims fields, infers Kind from Source when it is empty and fills
// in the name. It returns ErrInvalidConfig for unusable configs.
func (c Config) Normalize() (Config, error) {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	c.Location = strings.TrimSpace(c.Location)
	c.Source = strings.TrimSpace(c.Source)

	if c.ID == "" {
		return c, fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if c.Source == "" {
		if c.Kind != KindDemo {
			return c, fmt.Errorf("%w: source is required", ErrInvalidConfig)
		}
		c.Source = string(KindDemo)
	}
	if c.Kind == "" {
		c.Kind, _ = ParseDescriptor(c.Source)
	}
	if !c.Kind.valid() {
		return c, fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, c.Kind)
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	return c, nil
}

// ParseDescriptor infers the source kind from a descriptor and returns the
// input ffmpeg should open. Plain integers are webcam indexes.
func ParseDescriptor(desc string) (Kind, string) {
	desc = strings.TrimSpace(desc)
	if strings.EqualFold(desc, string(KindDemo)) {
		return KindDemo, ""
	}
	if n, err := strconv.Atoi(desc); err == nil && n >= 0 {
		return KindWebcam, "/dev/video" + desc
	}
	if strings.HasPrefix(desc, "/dev/video") {
		return KindWebcam, desc
	}
	if u, err := url.Parse(desc); err == nil && u.Scheme != "" {
		switch strings.ToLower(u.Scheme) {
		case "rtsp", "rtsps", "rtmp":
			return KindRTSP, desc
		case "http", "https":
			return KindHTTP, desc
		case "file":
			return KindFile, u.Path
		}
	}
	return KindFile, desc
}

// Source produces JPEG encoded frames. Close may be called concurrently with
// a blocked Read and must unblock it.
type Source interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
	Kind() Kind
}

// SourceFactory builds a fresh, unopened Source for each connection attempt.
type SourceFactory func(cfg Config) (Source, error)

// SourceOptions configures the default factory.
type SourceOptions struct {
	FFmpegPath  string
	DemoFPS     int
	OpenTimeout time.Duration
}

// NewSourceFactory returns the production factory: demo streams are
// synthesized, everything else is decoded by ffmpeg.
func NewSourceFactory(opts SourceOptions) SourceFactory {
	return func(cfg Config) (Source, error) {
		kind, target := ParseDescriptor(cfg.Source)
		if cfg.Kind != "" {
			kind = cfg.Kind
		}
		if kind == KindDemo {
			return NewDemoSource(cfg.Name, opts.DemoFPS), nil
		}
		if kind == KindWebcam && !strings.HasPrefix(target, "/dev/") {
			target = "/dev/video" + target
		}
		return NewFFmpegSource(kind, target, opts.FFmpegPath, opts.OpenTimeout), nil
	}
}
