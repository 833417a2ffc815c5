package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/classdues/internal/config"
	"github.com/classdues/internal/service"

	"github.com/gin-gonic/gin"
)

func TestResolveAllowedOrigin(t *testing.T) {
	got := resolveAllowedOrigin("https://example.com", []string{"*"}, false)
	if got != "*" {
		t.Fatalf("wildcard without credentials should return *, got %s", got)
	}

	got = resolveAllowedOrigin("https://example.com", []string{"*"}, true)
	if got != "https://example.com" {
		t.Fatalf("wildcard with credentials should echo origin, got %s", got)
	}

	got = resolveAllowedOrigin("https://a.example.com", []string{"https://a.example.com", "https://b.example.com"}, false)
	if got != "https://a.example.com" {
		t.Fatalf("allow-list should return matched origin, got %s", got)
	}

	got = resolveAllowedOrigin("https://x.example.com", []string{"https://a.example.com"}, false)
	if got != "" {
		t.Fatalf("unmatched origin should be empty, got %s", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"request_id": getRequestID(c)})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "req-123")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status want 200 got %d", w.Code)
	}
	if w.Header().Get(requestIDHeader) != "req-123" {
		t.Fatalf("response request id want req-123 got %s", w.Header().Get(requestIDHeader))
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response failed: %v", err)
	}
	if resp["request_id"] != "req-123" {
		t.Fatalf("context request id want req-123 got %s", resp["request_id"])
	}

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(w2, req2)
	generated := w2.Header().Get(requestIDHeader)
	if generated == "" {
		t.Fatalf("generated request id should not be empty")
	}
	if resp := strings.TrimSpace(generated); resp == "" {
		t.Fatalf("generated request id should not be blank")
	}
}

func runOpsAuth(t *testing.T, auth *service.OpsAuthService, header string) (int, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(OpsAuthMiddleware(auth))
	r.GET("/ops/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": c.GetString(opsOperatorContextKey)})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ops/ping", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	r.ServeHTTP(w, req)

	var resp struct {
		StatusCode int    `json:"status_code"`
		Operator   string `json:"operator"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response failed: %v", err)
	}
	return resp.StatusCode, resp.Operator
}

func TestOpsAuthMiddlewareMissingSecret(t *testing.T) {
	code, _ := runOpsAuth(t, service.NewOpsAuthService(config.OpsConfig{}), "Bearer anything")
	if code != 401 {
		t.Fatalf("status_code want 401 got %d", code)
	}
}

func TestOpsAuthMiddlewareRejectsBadHeader(t *testing.T) {
	auth := service.NewOpsAuthService(config.OpsConfig{JWTSecret: "ops-secret"})
	if code, _ := runOpsAuth(t, auth, ""); code != 401 {
		t.Fatalf("missing header want 401 got %d", code)
	}
	if code, _ := runOpsAuth(t, auth, "Token abc"); code != 401 {
		t.Fatalf("non bearer header want 401 got %d", code)
	}
	if code, _ := runOpsAuth(t, auth, "Bearer not-a-jwt"); code != 401 {
		t.Fatalf("garbage token want 401 got %d", code)
	}
}

func TestOpsAuthMiddlewareAcceptsIssuedToken(t *testing.T) {
	auth := service.NewOpsAuthService(config.OpsConfig{JWTSecret: "ops-secret"})
	token, _, err := auth.Issue("treasurer", time.Now())
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	code, operator := runOpsAuth(t, auth, "Bearer "+token)
	if code != 0 {
		t.Fatalf("status_code want 0 got %d", code)
	}
	if operator != "treasurer" {
		t.Fatalf("operator want treasurer got %s", operator)
	}
}
