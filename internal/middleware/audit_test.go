package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/otcgate/internal/model"
)

func TestRedactAuditBodyOffers(t *testing.T) {
	body := []byte(`{"beneficiary":"0x01","signedTx":"0x02f8","nested":{"signature":"0xdead","admin_key":"k"}}`)
	out := redactAuditBody("/v1/offers/abc/cancel", body)

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		t.Fatalf("invalid json output: %v", err)
	}
	if data["signedTx"] == "0x02f8" {
		t.Fatalf("signedTx not redacted")
	}
	if data["beneficiary"] != "0x01" {
		t.Fatalf("beneficiary should be kept, got %v", data["beneficiary"])
	}
	if nested, ok := data["nested"].(map[string]interface{}); ok {
		if nested["signature"] == "0xdead" || nested["admin_key"] == "k" {
			t.Fatalf("nested secrets not redacted")
		}
	}
}

func TestRedactAuditBodyNonSensitivePath(t *testing.T) {
	body := []byte(`{"ok":true}`)
	out := redactAuditBody("/health", body)
	if out != string(body) {
		t.Fatalf("unexpected redaction on non-sensitive path")
	}
}

func TestRedactAuditBodyInvalidJSON(t *testing.T) {
	body := []byte("not-json")
	out := redactAuditBody("/v1/consignments", body)
	if out != "[redacted]" {
		t.Fatalf("expected redacted placeholder for invalid json")
	}
}

type recordingSink struct {
	mu      sync.Mutex
	entries []*model.AuditLog
}

func (s *recordingSink) Log(e *model.AuditLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func TestAuditMiddlewareRecordsRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sink := &recordingSink{}
	r := gin.New()
	r.Use(AuditMiddleware(sink))
	r.POST("/v1/offers", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			t.Fatalf("body not readable after audit: %v", err)
		}
		AddAuditContext(c, "offer_id", "o-1")
		c.JSON(http.StatusAccepted, gin.H{"id": "o-1"})
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/offers", strings.NewReader(`{"signedTx":"0xabc"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get(HeaderRequestID) == "" {
		t.Fatalf("missing request id header")
	}
	if len(sink.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(sink.entries))
	}
	e := sink.entries[0]
	if e.StatusCode != http.StatusAccepted || e.Context["offer_id"] != "o-1" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if strings.Contains(e.RequestBody, "0xabc") {
		t.Fatalf("signed tx leaked into audit: %s", e.RequestBody)
	}
}
