package response

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	Success(c, "ok", gin.H{"n": 1})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"code":200,"msg":"ok","data":{"n":1}}`, w.Body.String())

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	Fail(c, "bad", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"code":500,"msg":"bad","data":null}`, w.Body.String())

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	FailWithStatus(c, http.StatusNotFound, "missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAbortWithStatusJSON(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	AbortWithStatusJSON(c, http.StatusBadGateway, errors.New("upstream"))
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "upstream")
}
