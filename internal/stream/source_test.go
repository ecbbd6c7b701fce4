package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"slices"
	"testing"
	"time"
)

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		desc       string
		wantKind   Kind
		wantTarget string
	}{
		{"demo", KindDemo, ""},
		{"DEMO", KindDemo, ""},
		{"0", KindWebcam, "/dev/video0"},
		{"/dev/video2", KindWebcam, "/dev/video2"},
		{"rtsp://cam.local:554/live", KindRTSP, "rtsp://cam.local:554/live"},
		{"http://10.0.0.2/mjpeg", KindHTTP, "http://10.0.0.2/mjpeg"},
		{"file:///tmp/clip.mp4", KindFile, "/tmp/clip.mp4"},
		{"/srv/videos/clip.mp4", KindFile, "/srv/videos/clip.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			kind, target := ParseDescriptor(tt.desc)
			if kind != tt.wantKind || target != tt.wantTarget {
				t.Errorf("ParseDescriptor(%q) = (%s, %q), want (%s, %q)", tt.desc, kind, target, tt.wantKind, tt.wantTarget)
			}
		})
	}
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantErr  bool
		wantKind Kind
	}{
		{"inferred webcam", Config{ID: "a", Source: " 0 "}, false, KindWebcam},
		{"declared demo without source", Config{ID: "a", Kind: KindDemo}, false, KindDemo},
		{"declared type wins", Config{ID: "a", Source: "rtsp://x", Kind: KindFile}, false, KindFile},
		{"missing id", Config{Source: "0"}, true, ""},
		{"missing source", Config{ID: "a"}, true, ""},
		{"unknown type", Config{ID: "a", Source: "0", Kind: "ipcam"}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.Normalize()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if got.Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, got.Kind)
			}
			if got.Name != got.ID {
				t.Errorf("expected name to default to id, got %q", got.Name)
			}
		})
	}
}

func TestSplitJPEG(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte("noise"))
	stream.Write(tinyJPEG)
	stream.Write([]byte{0x00, 0x01})
	stream.Write(tinyJPEG)

	scanner := bufio.NewScanner(&stream)
	scanner.Split(SplitJPEG)

	var frames [][]byte
	for scanner.Scan() {
		frames = append(frames, bytes.Clone(scanner.Bytes()))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if !bytes.Equal(f, tinyJPEG) {
			t.Errorf("frame %d differs from input", i)
		}
	}
}

func TestSplitJPEG_PartialFrameWaits(t *testing.T) {
	advance, token, err := SplitJPEG(tinyJPEG[:len(tinyJPEG)-2], false)
	if err != nil || token != nil {
		t.Fatalf("expected no token for partial frame, got %d bytes, err %v", len(token), err)
	}
	if advance != 0 {
		t.Errorf("expected to keep the partial frame, advanced %d", advance)
	}
}

func TestDemoSource(t *testing.T) {
	src := NewDemoSource("Front door", 100)
	if _, err := src.Read(context.Background()); err == nil {
		t.Error("expected error reading before Open")
	}
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	data, err := src.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("demo frame is not a jpeg: %v", err)
	}
	if cfg.Width != 640 || cfg.Height != 480 {
		t.Errorf("expected 640x480, got %dx%d", cfg.Width, cfg.Height)
	}

	done := make(chan error, 1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		_, err := src.Read(context.Background())
		done <- err
	}()
	_ = src.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Read")
	}
}

func TestFFmpegSource_Args(t *testing.T) {
	tests := []struct {
		kind Kind
		want []string
	}{
		{KindRTSP, []string{"-rtsp_transport", "tcp"}},
		{KindWebcam, []string{"-f", "v4l2"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			args := NewFFmpegSource(tt.kind, "in", "", 0).args()
			i := slices.Index(args, "-i")
			if i < 0 || args[i+1] != "in" {
				t.Fatalf("missing input in %v", args)
			}
			if !containsSeq(args[:i], tt.want) {
				t.Errorf("expected input options %v before -i, got %v", tt.want, args)
			}
			if !slices.Contains(args, "pipe:") {
				t.Errorf("expected pipe output in %v", args)
			}
			if !containsSeq(args, []string{"-f", "image2pipe"}) {
				t.Errorf("expected image2pipe output in %v", args)
			}
		})
	}
}

func TestFFmpegSource_OpenFailsWithoutBinary(t *testing.T) {
	src := NewFFmpegSource(KindRTSP, "rtsp://127.0.0.1:1/none", "/nonexistent/ffmpeg", 50*time.Millisecond)
	err := src.Open(context.Background())
	if !errors.Is(err, ErrStreamOpen) {
		t.Errorf("expected ErrStreamOpen, got %v", err)
	}
}

func containsSeq(haystack, needle []string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}
