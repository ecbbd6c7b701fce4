package stream

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/kozaktomas/facewatch/internal/constants"
)

// DemoSource synthesizes frames locally. It never fails, which makes it the
// stream type used for dry runs without cameras.
type DemoSource struct {
	name     string
	interval time.Duration

	mu     sync.Mutex
	ticker *time.Ticker
	closed chan struct{}
	count  int
}

// NewDemoSource creates a demo source producing fps frames per second.
func NewDemoSource(name string, fps int) *DemoSource {
	if fps <= 0 {
		fps = constants.DefaultDemoFPS
	}
	return &DemoSource{
		name:     name,
		interval: time.Second / time.Duration(fps),
		closed:   make(chan struct{}),
	}
}

func (d *DemoSource) Kind() Kind { return KindDemo }

func (d *DemoSource) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ticker == nil {
		d.ticker = time.NewTicker(d.interval)
	}
	return nil
}

// Read waits for the next tick and renders a frame.
func (d *DemoSource) Read(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	ticker := d.ticker
	d.mu.Unlock()
	if ticker == nil {
		return nil, fmt.Errorf("demo source %q not open", d.name)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.closed:
		return nil, fmt.Errorf("demo source %q closed", d.name)
	case now := <-ticker.C:
		d.count++
		return renderDemoFrame(d.name, d.count, now)
	}
}

func (d *DemoSource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	if d.ticker != nil {
		d.ticker.Stop()
	}
	return nil
}

func renderDemoFrame(name string, n int, now time.Time) ([]byte, error) {
	w, h := constants.DemoFrameWidth, constants.DemoFrameHeight
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	// A moving block keeps consecutive frames distinguishable in previews.
	x := (n * 8) % (w - 40)
	draw.Draw(img, image.Rect(x, h-60, x+40, h-20), image.NewUniform(color.RGBA{40, 90, 200, 255}), image.Point{}, draw.Src)

	black := image.NewUniform(color.Black)
	drawText(img, 20, 40, name, black)
	drawText(img, 20, 70, "Demo stream - no camera attached", black)
	drawText(img, 20, 100, now.Format("2006-01-02 15:04:05.000"), black)
	drawText(img, 20, 130, fmt.Sprintf("frame %d", n), black)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encoding demo frame: %w", err)
	}
	return buf.Bytes(), nil
}

func drawText(img draw.Image, x, y int, s string, src image.Image) {
	d := &font.Drawer{
		Dst:  img,
		Src:  src,
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(s)
}
