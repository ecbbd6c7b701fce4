package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/facewatch/internal/constants"
	"github.com/kozaktomas/facewatch/internal/frame"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// minCropSide is the smallest crop edge sent for re-embedding. Detectors lose
// faces that fill the whole image, so small crops are padded and upscaled.
const minCropSide = 160

// HTTPBackend talks to an InsightFace style inference server that returns
// faces with bounding boxes, detection scores and embeddings in one call.
type HTTPBackend struct {
	baseURL string
	dim     int
	client  *http.Client
}

// NewHTTPBackend creates a client for the inference server at baseURL.
// dim is the expected embedding length; 0 disables the check.
func NewHTTPBackend(baseURL string, dim int, timeout time.Duration) *HTTPBackend {
	if baseURL == "" {
		baseURL = constants.DefaultInferenceURL
	}
	if timeout <= 0 {
		timeout = constants.DefaultInferenceTimeout
	}
	return &HTTPBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		dim:     dim,
		client:  &http.Client{Timeout: timeout},
	}
}

// faceDetection represents a single detected face in the server response
type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// faceResponse represents the response from the face embedding endpoint
type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// postImage sends imageData as the multipart "file" field and returns the body.
func (b *HTTPBackend) postImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (b *HTTPBackend) faces(ctx context.Context, imageData []byte) ([]faceDetection, error) {
	body, err := b.postImage(ctx, "/embed/face", imageData)
	if err != nil {
		return nil, err
	}
	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return resp.Faces, nil
}

// Detect returns every face the server finds, with embeddings attached.
func (b *HTTPBackend) Detect(ctx context.Context, f frame.Frame) ([]FaceCandidate, error) {
	faces, err := b.faces(ctx, f.Data)
	if err != nil {
		return nil, fmt.Errorf("detecting faces on %s#%d: %w", f.StreamID, f.Seq, err)
	}

	out := make([]FaceCandidate, 0, len(faces))
	for _, face := range faces {
		box, ok := BBoxFromCorners(face.BBox)
		if !ok {
			continue
		}
		out = append(out, FaceCandidate{
			BBox:      box,
			Quality:   face.DetScore,
			Embedding: face.Embedding,
		})
	}
	return out, nil
}

// Embed returns the embedding computed during detection. Candidates without
// one are cropped from the frame and sent back to the server.
func (b *HTTPBackend) Embed(ctx context.Context, f frame.Frame, c FaceCandidate) ([]float32, error) {
	emb := c.Embedding
	if len(emb) == 0 {
		crop, err := cropFace(f.Data, c.BBox)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailure, err)
		}
		faces, err := b.faces(ctx, crop)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailure, err)
		}
		best, ok := bestFace(faces)
		if !ok {
			return nil, fmt.Errorf("%w: %w in crop", ErrEmbeddingFailure, ErrNoFace)
		}
		emb = best.Embedding
	}
	if len(emb) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", ErrEmbeddingFailure)
	}
	if b.dim > 0 && len(emb) != b.dim {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", ErrEmbeddingFailure, len(emb), b.dim)
	}
	return emb, nil
}

// RegistrationFace describes the face picked from a registration image.
type RegistrationFace struct {
	Embedding []float32
	BBox      BBox
	Quality   float64
}

// BestFace detects faces in a still image and returns the one with the
// highest detection score.
func (b *HTTPBackend) BestFace(ctx context.Context, imageData []byte) (*RegistrationFace, error) {
	faces, err := b.faces(ctx, imageData)
	if err != nil {
		return nil, err
	}
	best, ok := bestFace(faces)
	if !ok {
		return nil, ErrNoFace
	}
	box, _ := BBoxFromCorners(best.BBox)
	return &RegistrationFace{Embedding: best.Embedding, BBox: box, Quality: best.DetScore}, nil
}

func bestFace(faces []faceDetection) (faceDetection, bool) {
	var best faceDetection
	found := false
	for _, f := range faces {
		if len(f.Embedding) == 0 {
			continue
		}
		if !found || f.DetScore > best.DetScore {
			best = f
			found = true
		}
	}
	return best, found
}

// cropFace cuts the bounding box (with 25% margin) out of a JPEG frame and
// re-encodes it, upscaling crops smaller than minCropSide.
func cropFace(data []byte, box BBox) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	mx, my := box.W*0.25, box.H*0.25
	r := image.Rect(int(box.X-mx), int(box.Y-my), int(box.X+box.W+mx), int(box.Y+box.H+my)).Intersect(img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("bounding box %+v outside frame", box)
	}

	w, h := r.Dx(), r.Dy()
	if side := min(w, h); side < minCropSide {
		scale := float64(minCropSide) / float64(side)
		w, h = int(float64(w)*scale), int(float64(h)*scale)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, r, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 92}); err != nil {
		return nil, fmt.Errorf("encoding crop: %w", err)
	}
	return buf.Bytes(), nil
}

// ImageSize decodes only the header of a JPEG, PNG or WebP image.
func ImageSize(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decoding image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// detectMIMEType detects the MIME type from image data
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// WebP: RIFF....WEBP
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}
	return "application/octet-stream"
}
