package api

import (
	"errors"
	"net/http"

	"settlement-service/internal/apperror"
	"settlement-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError writes the status and public message for err. Causes of
// server-side failures are logged, never returned.
func respondError(c *gin.Context, err error) {
	status := apperror.HTTPStatus(err)
	body := gin.H{"error": apperror.PublicMessage(err)}

	var partial *apperror.PartialOrderFailure
	if errors.As(err, &partial) {
		body["orderId"] = partial.OrderID
		body["persistedItems"] = partial.Persisted
		body["expectedItems"] = partial.Expected
	}
	if apperror.IsRetryable(err) {
		body["retryable"] = true
	}

	if status >= http.StatusInternalServerError {
		util.GetLogger().Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", apperror.KindOf(err).String()),
			zap.Error(err))
	}

	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}
