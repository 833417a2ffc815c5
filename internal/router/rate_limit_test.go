package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestInitiateRateLimitKeyIgnoresStudentID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	keys := make(map[string]struct{})
	for _, studentID := range []string{"a1", "a2", "a3"} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/payments", strings.NewReader(`{"student_id":"`+studentID+`","method":"card"}`))
		c.Request.Header.Set("Content-Type", "application/json")
		c.Request.RemoteAddr = "9.9.9.9:4000"
		keys[initiateRateLimitKey(c)] = struct{}{}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil || !strings.Contains(string(body), studentID) {
			t.Fatalf("request body should be left untouched, got %s err=%v", body, err)
		}
	}
	if len(keys) != 1 {
		t.Fatalf("requests from one ip should share a counter, got keys %v", keys)
	}
	if _, ok := keys["9.9.9.9"]; !ok {
		t.Fatalf("key should be the client ip, got %v", keys)
	}
}

func TestRateLimitMiddlewareWithoutClient(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RateLimitMiddleware(nil, RateLimitRule{Name: "initiate", WindowSeconds: 60, MaxRequests: 1}, KeyByIP, nil))
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok":true`) {
			t.Fatalf("request %d should pass without redis, got %d %s", i, w.Code, w.Body.String())
		}
	}
}

func TestScriptCounters(t *testing.T) {
	count, ttl, ok := scriptCounters([]interface{}{int64(3), int64(42)})
	if !ok || count != 3 || ttl != 42 {
		t.Fatalf("unexpected counters: count=%d ttl=%d ok=%v", count, ttl, ok)
	}
	if _, _, ok := scriptCounters([]interface{}{"bad", int64(1)}); ok {
		t.Fatalf("non integer count should be rejected")
	}
	if _, _, ok := scriptCounters([]interface{}{int64(1)}); ok {
		t.Fatalf("short result should be rejected")
	}
	if _, _, ok := scriptCounters(nil); ok {
		t.Fatalf("nil result should be rejected")
	}
}

func TestRateLimitRuleKey(t *testing.T) {
	rule := RateLimitRule{Prefix: "cd:rate:initiate"}
	if got := rule.key("1.2.3.4"); got != "cd:rate:initiate:1.2.3.4" {
		t.Fatalf("unexpected key %s", got)
	}
	if got := (RateLimitRule{}).key("1.2.3.4"); got != "1.2.3.4" {
		t.Fatalf("unexpected key without prefix %s", got)
	}
	if (RateLimitRule{WindowSeconds: 60}).active() {
		t.Fatalf("rule without max requests should be inactive")
	}
}
