package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const maxJPEGSize = 16 << 20

// SplitJPEG is a bufio.SplitFunc yielding complete JPEG images delimited by
// the SOI and EOI markers. Bytes before the first SOI are discarded.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF in case it starts the next marker.
		return max(0, len(data)-1), nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

// FFmpegSource decodes any ffmpeg-readable input into an MJPEG pipe.
type FFmpegSource struct {
	kind        Kind
	input       string
	binary      string
	openTimeout time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	pending []byte
	cancel  context.CancelFunc
}

// NewFFmpegSource creates a source for input. binary defaults to "ffmpeg".
func NewFFmpegSource(kind Kind, input, binary string, openTimeout time.Duration) *FFmpegSource {
	if binary == "" {
		binary = "ffmpeg"
	}
	if openTimeout <= 0 {
		openTimeout = 10 * time.Second
	}
	return &FFmpegSource{kind: kind, input: input, binary: binary, openTimeout: openTimeout}
}

func (s *FFmpegSource) Kind() Kind { return s.kind }

// args builds the ffmpeg command line for the source kind.
func (s *FFmpegSource) args() []string {
	in := ffmpeg.KwArgs{}
	switch s.kind {
	case KindRTSP:
		in["rtsp_transport"] = "tcp"
	case KindWebcam:
		in["f"] = "v4l2"
	}
	return ffmpeg.Input(s.input, in).
		Output("pipe:", ffmpeg.KwArgs{"f": "image2pipe", "vcodec": "mjpeg", "q:v": "5"}).
		GlobalArgs("-hide_banner", "-loglevel", "error", "-nostdin").
		GetArgs()
}

// Open starts ffmpeg and waits for the first frame so that unreachable
// inputs fail here rather than on the first Read.
func (s *FFmpegSource) Open(ctx context.Context) error {
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.binary, s.args()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: creating stdout pipe: %w", ErrStreamOpen, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: starting ffmpeg: %w", ErrStreamOpen, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 512*1024), maxJPEGSize)
	scanner.Split(SplitJPEG)

	s.mu.Lock()
	s.cmd, s.stdout, s.scanner, s.cancel = cmd, stdout, scanner, cancel
	s.mu.Unlock()

	first := make(chan error, 1)
	go func() {
		if scanner.Scan() {
			s.pending = bytes.Clone(scanner.Bytes())
			first <- nil
			return
		}
		first <- scanErr(scanner)
	}()

	timer := time.NewTimer(s.openTimeout)
	defer timer.Stop()

	var openErr error
	select {
	case err := <-first:
		if err == nil {
			return nil
		}
		openErr = err
	case <-timer.C:
		openErr = errors.New("no frame before open timeout")
	case <-ctx.Done():
		openErr = ctx.Err()
	}
	_ = s.Close()
	if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
		return fmt.Errorf("%w: %w: %s", ErrStreamOpen, openErr, msg)
	}
	return fmt.Errorf("%w: %w", ErrStreamOpen, openErr)
}

// Read returns the next JPEG. ctx is not consulted mid-read; Close unblocks it.
func (s *FFmpegSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pending != nil {
		data := s.pending
		s.pending = nil
		return data, nil
	}

	s.mu.Lock()
	scanner := s.scanner
	s.mu.Unlock()
	if scanner == nil {
		return nil, errors.New("ffmpeg source not open")
	}
	if !scanner.Scan() {
		return nil, scanErr(scanner)
	}
	// The scanner reuses its buffer; frames outlive the next Scan.
	return bytes.Clone(scanner.Bytes()), nil
}

func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	cmd, stdout, cancel := s.cmd, s.stdout, s.cancel
	s.cmd, s.stdout, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	cancel()
	_ = stdout.Close()
	if err := cmd.Wait(); err != nil {
		log.Debug().Err(err).Str("input", s.input).Msg("ffmpeg exited")
	}
	return nil
}

func scanErr(scanner *bufio.Scanner) error {
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading ffmpeg output: %w", err)
	}
	return io.EOF
}
