package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	appErrors "github.com/objectwire/objectwire/pkg/errors"
)

func TestJSONWritesBodyVerbatim(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	JSON(c, http.StatusOK, map[string]any{"token": "abc"})

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "abc", body["token"])
}

func TestErrorUsesAppErrorStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	Error(c, appErrors.ErrForbidden)

	require.Equal(t, http.StatusForbidden, rec.Code)

	var body ErrorInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, appErrors.ErrForbidden.Code, body.Code)
}

func TestErrorDefaultsToInternal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	Error(c, nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
