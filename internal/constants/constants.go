// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Matching constants
const (
	// DefaultSimilarityThreshold is the minimum cosine similarity a match must exceed
	DefaultSimilarityThreshold = 0.6

	// DefaultQualityThreshold is the minimum detection score a face needs to be embedded
	DefaultQualityThreshold = 0.7

	// DefaultEmbeddingDim is the embedding length produced by buffalo_l style models
	DefaultEmbeddingDim = 512

	// HNSWMaxNeighbors is the M parameter of the gallery HNSW graph
	HNSWMaxNeighbors = 16

	// DefaultHNSWMinGallery is the number of reference embeddings above which
	// limited searches shortlist candidates through the HNSW graph, 0 disables
	DefaultHNSWMinGallery = 0

	// HNSWShortlistSize is how many neighbours the HNSW graph returns for exact re-ranking
	HNSWShortlistSize = 32
)

// Pipeline constants
const (
	// DefaultFrameQueueCapacity is the per-stream frame buffer size
	DefaultFrameQueueCapacity = 8

	// DefaultWorkerPoolSize is the number of detection workers shared by all streams
	DefaultWorkerPoolSize = 4

	// MaxWorkerPoolSize bounds runtime resizing of the worker pool
	MaxWorkerPoolSize = 64

	// MaxFrameQueueCapacity bounds runtime resizing of frame queues
	MaxFrameQueueCapacity = 1024

	// DefaultSuppressionWindow coalesces repeated alerts for the same person on the same stream
	DefaultSuppressionWindow = 5 * time.Second

	// DefaultDetectionHistory is how many recent detections the in-memory store keeps
	DefaultDetectionHistory = 1000
)

// Stream supervision constants
const (
	// DefaultBackoffInitial is the first reconnect delay
	DefaultBackoffInitial = time.Second

	// DefaultBackoffMax caps the reconnect delay
	DefaultBackoffMax = 30 * time.Second

	// DefaultLivenessTimeout moves a Live stream to Degraded
	DefaultLivenessTimeout = 5 * time.Second

	// DefaultFailureTimeout moves a Degraded stream to Failed and triggers a reconnect
	DefaultFailureTimeout = 15 * time.Second

	// DefaultDemoFPS is the frame rate of synthetic demo sources
	DefaultDemoFPS = 10

	// DemoFrameWidth and DemoFrameHeight are the synthetic frame dimensions
	DemoFrameWidth  = 640
	DemoFrameHeight = 480
)

// Inference constants
const (
	// DefaultInferenceURL is the default address of the face inference server
	DefaultInferenceURL = "http://localhost:8000"

	// DefaultInferenceTimeout bounds a single detect or embed request
	DefaultInferenceTimeout = 10 * time.Second
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for detection subscription channels
	EventChannelBuffer = 100

	// SSEKeepAliveInterval is how often an idle SSE connection receives a comment line
	SSEKeepAliveInterval = 15 * time.Second
)

// File upload constants
const (
	// MaxUploadSize is the maximum registration image size in bytes (16MB)
	MaxUploadSize = 16 << 20
)
