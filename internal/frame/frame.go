// Package frame holds captured video frames and the bounded queues that carry
// them from capture goroutines to detection workers.
package frame

import "time"

// Frame is one captured image. It is never mutated after it is enqueued.
type Frame struct {
	StreamID   string
	Seq        uint64    // per-stream capture sequence, starts at 1
	CapturedAt time.Time // carries the monotonic clock reading
	Data       []byte    // JPEG encoded image
	Width      int
	Height     int
}

// IsZero reports whether f is the zero Frame.
func (f Frame) IsZero() bool {
	return f.Seq == 0 && f.Data == nil
}
