package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "github.com/objectwire/objectwire/pkg/errors"
)

// ErrorInfo is the body written for every failed request.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON writes a success payload as-is. Resource bodies are written without an
// envelope so that field filtering stays visible on the wire.
func JSON(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, data)
}

// OK writes an empty 200 response.
func OK(c *gin.Context) {
	c.Status(http.StatusOK)
}

// Error writes a JSON error body derived from an AppError.
func Error(c *gin.Context, err error) {
	if err == nil {
		err = appErrors.ErrInternalServer
	}

	appErr := appErrors.FromError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	c.AbortWithStatusJSON(status, ErrorInfo{
		Code:    appErr.Code,
		Message: appErr.Message,
	})
}
