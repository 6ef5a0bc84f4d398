package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/emosense/internal/domain"
	"github.com/timmy/emosense/internal/logger"
)

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var pdf *domain.PartialDeleteFailure
	switch {
	case errors.As(err, &pdf):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrInvalidEmbedding),
		errors.Is(err, domain.ErrDimensionMismatch),
		errors.Is(err, domain.ErrEmbeddingRequired):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoFaceDetected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionDeleted):
		return http.StatusGone
	case errors.Is(err, domain.ErrIndexUnavailable),
		errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error envelope used by every endpoint.
func respondError(c *gin.Context, err error, extra gin.H) {
	status := statusFor(err)
	body := gin.H{
		"success": false,
		"error":   err.Error(),
	}
	var pdf *domain.PartialDeleteFailure
	if errors.As(err, &pdf) {
		body["failed_stores"] = pdf.FailedStores()
	}
	for k, v := range extra {
		body[k] = v
	}

	ctx := c.Request.Context()
	if status >= http.StatusInternalServerError {
		logger.CtxError(ctx, "Request failed: status=%d, error=%v", status, err)
	} else {
		logger.CtxWarn(ctx, "Request rejected: status=%d, error=%v", status, err)
	}
	c.JSON(status, body)
}
