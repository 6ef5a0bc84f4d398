package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
	"github.com/timmy/emosense/internal/domain"
	"github.com/timmy/emosense/internal/logger"
	_ "golang.org/x/image/webp"
)

const cropJPEGQuality = 90

// DetectorConfig holds configuration for the face detector client.
type DetectorConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// FaceDetector calls the external face model service, which returns one
// embedding and one emotion probability map per face.
type FaceDetector struct {
	client *resty.Client
}

// NewFaceDetector creates a detector client.
func NewFaceDetector(cfg *DetectorConfig) *FaceDetector {
	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/"))
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &FaceDetector{client: client}
}

type detectResponse struct {
	Faces []struct {
		Box struct {
			X      int `json:"x"`
			Y      int `json:"y"`
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"box"`
		Embedding []float32          `json:"embedding"`
		Emotions  map[string]float64 `json:"emotions"`
	} `json:"faces"`
	Error string `json:"error,omitempty"`
}

// Detect sends the image to the model service and returns the faces in the
// order the service reported them. Distributions are normalized; labels
// outside the known set are dropped and logged. An image without faces
// yields an empty slice.
func (d *FaceDetector) Detect(ctx context.Context, img []byte, contentType string) ([]domain.FaceDetection, error) {
	var resp detectResponse
	httpResp, err := d.client.R().
		SetContext(ctx).
		SetFileReader("image", "image"+extensionOf(contentType), bytes.NewReader(img)).
		SetResult(&resp).
		SetError(&resp).
		Post("/detect")
	if err != nil {
		return nil, fmt.Errorf("failed to call detector: %w", err)
	}
	if httpResp.IsError() {
		if resp.Error != "" {
			return nil, fmt.Errorf("detector error: %s", resp.Error)
		}
		return nil, fmt.Errorf("detector error: status %d", httpResp.StatusCode())
	}

	detections := make([]domain.FaceDetection, 0, len(resp.Faces))
	for i, f := range resp.Faces {
		dist, unknown := domain.ParseDistribution(f.Emotions)
		if len(unknown) > 0 {
			logger.CtxWarn(ctx, "Detector returned unknown emotion labels %v for face %d", unknown, i)
		}
		detections = append(detections, domain.FaceDetection{
			Index: i,
			Box: domain.BoundingBox{
				X:      f.Box.X,
				Y:      f.Box.Y,
				Width:  f.Box.Width,
				Height: f.Box.Height,
			},
			Embedding:    domain.Embedding(f.Embedding),
			Distribution: dist.Normalized(),
		})
	}

	if len(detections) > 0 {
		if err := cropFaces(img, detections); err != nil {
			logger.CtxWarn(ctx, "Failed to crop faces: %v", err)
		}
	}
	return detections, nil
}

// cropFaces fills Crop of every detection with a JPEG of its box. Boxes are
// clipped to the image; empty boxes get no crop.
func cropFaces(img []byte, detections []domain.FaceDetection) error {
	src, err := imaging.Decode(bytes.NewReader(img), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	bounds := src.Bounds()
	for i := range detections {
		b := detections[i].Box
		rect := image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, imaging.Crop(src, rect), imaging.JPEG, imaging.JPEGQuality(cropJPEGQuality)); err != nil {
			return fmt.Errorf("encode face %d: %w", i, err)
		}
		detections[i].Crop = buf.Bytes()
	}
	return nil
}

func extensionOf(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}
