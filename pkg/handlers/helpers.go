package handlers

import (
	"context"
	"errors"
	"net/http"

	"energycast/pkg/services"

	"github.com/gin-gonic/gin"
)

// statusFor はサービス層のエラーをHTTPステータスに対応付けます。
func statusFor(err error) int {
	var (
		schemaErr  *services.SchemaError
		qualityErr *services.DataQualityError
		historyErr *services.InsufficientHistoryError
	)
	switch {
	case errors.Is(err, services.ErrDatasetNotFound), errors.Is(err, services.ErrRegionNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidHorizon), errors.Is(err, services.ErrInvalidUnit),
		errors.Is(err, services.ErrInvalidDataset):
		return http.StatusBadRequest
	case errors.As(err, &schemaErr), errors.As(err, &qualityErr), errors.As(err, &historyErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError はエラーをJSONで返し、ginのエラー一覧にも記録します。
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}
