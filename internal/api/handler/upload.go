package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/emosense/internal/domain"
)

// FaceDetector turns image bytes into face detections.
type FaceDetector interface {
	Detect(ctx context.Context, img []byte, contentType string) ([]domain.FaceDetection, error)
}

var errImageTooLarge = errors.New("image exceeds upload limit")

type upload struct {
	data        []byte
	contentType string
}

// readImage reads the multipart "image" field, bounded by maxBytes.
func readImage(c *gin.Context, maxBytes int64) (*upload, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		return nil, fmt.Errorf("image file is required: %w", err)
	}
	if maxBytes > 0 && fh.Size > maxBytes {
		return nil, errImageTooLarge
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	r := io.Reader(f)
	if maxBytes > 0 {
		r = io.LimitReader(f, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, errImageTooLarge
	}
	if len(data) == 0 {
		return nil, errors.New("image file is empty")
	}

	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		contentType = fh.Header.Get("Content-Type")
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
	return &upload{data: data, contentType: contentType}, nil
}

func uploadStatus(err error) int {
	if errors.Is(err, errImageTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
