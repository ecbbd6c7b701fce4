package config

import (
	_ "embed"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/facewatch/internal/constants"
	"gopkg.in/yaml.v3"
)

//go:embed confidence.yaml
var confidenceYAML []byte

type Config struct {
	Tunables   Tunables
	Stream     StreamConfig
	Inference  InferenceConfig
	Gallery    GalleryConfig
	Detections DetectionsConfig
	Database   DatabaseConfig
	MQTT       MQTTConfig
	Web        WebConfig
	Log        LogConfig
	Confidence ConfidenceConfig
}

type StreamConfig struct {
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	MaxAttempts     int // 0 retries forever
	LivenessTimeout time.Duration
	FailureTimeout  time.Duration
	DemoFPS         int
	File            string // optional YAML file with streams to add at startup
	FFmpegPath      string // defaults to "ffmpeg" on PATH
}

type InferenceConfig struct {
	Backend string // "http" (default) or "mock"
	URL     string // defaults to http://localhost:8000
	Dim     int    // defaults to 512
	Timeout time.Duration
}

type GalleryConfig struct {
	HNSWMinGallery int // reference embeddings above which HNSW shortlisting kicks in, 0 disables
}

type DetectionsConfig struct {
	History int // in-memory detections kept for polling
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL, persistence is disabled when empty
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type MQTTConfig struct {
	Broker            string // host:port, alert publishing is disabled when empty
	ClientID          string
	TopicPrefix       string
	QoS               byte
	PublishDetections bool // also publish every detection, not only alerts
}

type WebConfig struct {
	Port           int
	Host           string
	APIToken       string   // optional bearer token required for mutating API calls
	AllowedOrigins []string // CORS origins in addition to localhost
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

type ConfidenceConfig struct {
	Bands []ConfidenceBand `yaml:"bands"`
}

// ConfidenceBand labels similarity scores strictly above Min.
type ConfidenceBand struct {
	Label string  `yaml:"label"`
	Min   float64 `yaml:"min"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envCount is envInt that also accepts zero, used where zero means "off".
func envCount(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a float in [0, 1]. Out of range values fall back to the default.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && f <= 1 {
		return f
	}
	return defaultVal
}

// envDuration accepts Go durations ("5s", "250ms") or plain seconds ("5").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultVal
	}
	return b
}

// envList splits a comma separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envString(key, defaultVal string) string {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	var confidence ConfidenceConfig
	if err := yaml.Unmarshal(confidenceYAML, &confidence); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded confidence.yaml: " + err.Error())
	}
	sort.SliceStable(confidence.Bands, func(i, j int) bool {
		return confidence.Bands[i].Min > confidence.Bands[j].Min
	})

	// Client ids must be unique per broker. The hostname keeps them stable across restarts.
	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		host, _ := os.Hostname()
		clientID = "facewatch-" + host
	}

	qos := envCount("MQTT_QOS", 1)
	if qos > 2 {
		qos = 1
	}

	return &Config{
		Tunables: Tunables{
			SimilarityThreshold: envFloat("SIMILARITY_THRESHOLD", constants.DefaultSimilarityThreshold),
			QualityThreshold:    envFloat("QUALITY_THRESHOLD", constants.DefaultQualityThreshold),
			FrameQueueCapacity:  envInt("FRAME_QUEUE_CAPACITY", constants.DefaultFrameQueueCapacity),
			WorkerPoolSize:      envInt("WORKER_POOL_SIZE", constants.DefaultWorkerPoolSize),
			SuppressionWindow:   envDuration("SUPPRESSION_WINDOW", constants.DefaultSuppressionWindow),
		},
		Stream: StreamConfig{
			BackoffInitial:  envDuration("BACKOFF_INITIAL", constants.DefaultBackoffInitial),
			BackoffMax:      envDuration("BACKOFF_MAX", constants.DefaultBackoffMax),
			MaxAttempts:     envCount("RECONNECT_MAX_ATTEMPTS", 0),
			LivenessTimeout: envDuration("LIVENESS_TIMEOUT", constants.DefaultLivenessTimeout),
			FailureTimeout:  envDuration("FAILURE_TIMEOUT", constants.DefaultFailureTimeout),
			DemoFPS:         envInt("DEMO_FPS", constants.DefaultDemoFPS),
			File:            os.Getenv("STREAMS_FILE"),
			FFmpegPath:      envString("FFMPEG_PATH", "ffmpeg"),
		},
		Inference: InferenceConfig{
			Backend: strings.ToLower(envString("INFERENCE_BACKEND", "http")),
			URL:     envString("EMBEDDING_URL", constants.DefaultInferenceURL),
			Dim:     envInt("EMBEDDING_DIM", constants.DefaultEmbeddingDim),
			Timeout: envDuration("INFERENCE_TIMEOUT", constants.DefaultInferenceTimeout),
		},
		Gallery: GalleryConfig{
			HNSWMinGallery: envCount("HNSW_MIN_GALLERY", constants.DefaultHNSWMinGallery),
		},
		Detections: DetectionsConfig{
			History: envInt("DETECTION_HISTORY", constants.DefaultDetectionHistory),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		MQTT: MQTTConfig{
			Broker:            os.Getenv("MQTT_BROKER"),
			ClientID:          clientID,
			TopicPrefix:       strings.TrimSuffix(envString("MQTT_TOPIC_PREFIX", "facewatch"), "/"),
			QoS:               byte(qos),
			PublishDetections: envBool("MQTT_PUBLISH_DETECTIONS", false),
		},
		Web: WebConfig{
			Port:           envInt("WEB_PORT", 8080),
			Host:           envString("WEB_HOST", "0.0.0.0"),
			APIToken:       os.Getenv("WEB_API_TOKEN"),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(envString("LOG_LEVEL", "info")),
			Format: strings.ToLower(envString("LOG_FORMAT", "json")),
		},
		Confidence: confidence,
	}
}

// Label returns the confidence band for a similarity score.
func (c ConfidenceConfig) Label(score float64) string {
	for _, b := range c.Bands {
		if score > b.Min {
			return b.Label
		}
	}
	if n := len(c.Bands); n > 0 {
		return c.Bands[n-1].Label
	}
	return ""
}
