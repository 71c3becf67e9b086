package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adjustPayload struct {
	Reason string `json:"reason" validate:"required,min=3,max=128"`
	Source string `json:"source" validate:"omitempty,trust_source"`
}

type historyQuery struct {
	Direction string `form:"direction" validate:"omitempty,event_direction"`
}

func postJSONContext(t *testing.T, body string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	return c, w
}

func TestValidateAndBind_Valid(t *testing.T) {
	c, _ := postJSONContext(t, `{"reason": "speeding pattern", "source": "manual"}`)

	var req adjustPayload
	ok := ValidateAndBind(c, &req)

	require.True(t, ok)
	assert.Equal(t, "speeding pattern", req.Reason)
	assert.Equal(t, "manual", req.Source)
}

func TestValidateAndBind_MissingRequiredField(t *testing.T) {
	c, w := postJSONContext(t, `{"source": "manual"}`)

	var req adjustPayload
	ok := ValidateAndBind(c, &req)

	require.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Reason")
}

func TestValidateAndBind_RejectsUnknownSource(t *testing.T) {
	c, w := postJSONContext(t, `{"reason": "speeding pattern", "source": "gossip"}`)

	var req adjustPayload
	ok := ValidateAndBind(c, &req)

	require.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "trust source")
}

func TestValidateAndBind_MalformedJSON(t *testing.T) {
	c, w := postJSONContext(t, `{"reason": `)

	var req adjustPayload
	ok := ValidateAndBind(c, &req)

	require.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateAndBindQuery_Valid(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/?direction=negative", nil)

	var q historyQuery
	ok := ValidateAndBindQuery(c, &q)

	require.True(t, ok)
	assert.Equal(t, "negative", q.Direction)
}

func TestValidateAndBindQuery_RejectsUnknownDirection(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/?direction=sideways", nil)

	var q historyQuery
	ok := ValidateAndBindQuery(c, &q)

	require.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "direction")
}

func TestMaxBodySize_AllowsSmallBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/", MaxBodySize(64), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"ok":true}`))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMaxBodySize_RejectsOversizedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/", MaxBodySize(16), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(strings.Repeat("x", 64)))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
