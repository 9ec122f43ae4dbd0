// Package risk provides HTTP handler tests
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func newTestRouter() (*gin.Engine, *MemoryStateStore, *MemorySessionStore) {
	gin.SetMode(gin.TestMode)
	svc, states, _, _, sessions := newTestService()
	h := NewHandler(svc, zap.NewNop())

	router := gin.New()
	h.RegisterRoutes(router.Group("/api/v1/risk"))
	return router, states, sessions
}

func doRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_GetUserNotFound(t *testing.T) {
	router, _, _ := newTestRouter()

	w := doRequest(router, http.MethodGet, "/api/v1/risk/users/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandler_GetUser(t *testing.T) {
	router, states, _ := newTestRouter()
	states.Put(&UserRiskState{UserID: "user1", SuspicionScore: 120, IsSuspicious: true})

	w := doRequest(router, http.MethodGet, "/api/v1/risk/users/user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data        UserRiskState `json:"data"`
		BlockStatus BlockStatus   `json:"block_status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Data.SuspicionScore != 120 {
		t.Errorf("Expected score 120, got %d", resp.Data.SuspicionScore)
	}
	if !resp.BlockStatus.Blocked || resp.BlockStatus.Reason != BlockReasonSuspicious {
		t.Errorf("Expected suspicious block status, got %+v", resp.BlockStatus)
	}
}

func TestHandler_BlockedEndpoint(t *testing.T) {
	router, states, _ := newTestRouter()
	bannedAt := time.Now()
	states.Put(&UserRiskState{UserID: "user1", BannedAt: &bannedAt})

	w := doRequest(router, http.MethodGet, "/api/v1/risk/users/user1/blocked", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var status BlockStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !status.Blocked || status.Reason != BlockReasonBanned {
		t.Errorf("Expected banned block, got %+v", status)
	}

	// Unknown users read as not blocked
	w = doRequest(router, http.MethodGet, "/api/v1/risk/users/ghost/blocked", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
}

func TestHandler_IngestAccessValidation(t *testing.T) {
	router, _, _ := newTestRouter()

	w := doRequest(router, http.MethodPost, "/api/v1/risk/events/access", map[string]string{
		"ip_address": "10.0.0.1",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without user_id, got %d", w.Code)
	}
}

func TestHandler_IngestAccess(t *testing.T) {
	router, states, _ := newTestRouter()

	w := doRequest(router, http.MethodPost, "/api/v1/risk/events/access", map[string]string{
		"user_id":    "user1",
		"ip_address": "10.0.0.1",
		"session_id": "sess1",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := states.Get(context.Background(), "user1"); err != nil {
		t.Errorf("Expected state created on ingest: %v", err)
	}
}

func TestHandler_IngestLogin(t *testing.T) {
	router, states, _ := newTestRouter()
	states.Put(&UserRiskState{UserID: "user1", LastLoginIP: "10.0.0.1"})

	w := doRequest(router, http.MethodPost, "/api/v1/risk/events/login", map[string]string{
		"user_id":    "user1",
		"ip_address": "10.0.0.2",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	s, _ := states.Get(context.Background(), "user1")
	if s.RiskScore != 30 {
		t.Errorf("Expected risk 30 after IP change, got %d", s.RiskScore)
	}
}

func TestHandler_BanRequiresReason(t *testing.T) {
	router, states, _ := newTestRouter()
	states.Put(&UserRiskState{UserID: "user1"})

	w := doRequest(router, http.MethodPost, "/api/v1/risk/users/user1/ban", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without reason, got %d", w.Code)
	}

	w = doRequest(router, http.MethodPost, "/api/v1/risk/users/user1/ban", map[string]string{
		"reason": "confirmed credential resale",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	s, _ := states.Get(context.Background(), "user1")
	if !s.Banned() {
		t.Error("Expected user banned")
	}
}

func TestHandler_ResetRisk(t *testing.T) {
	router, states, _ := newTestRouter()
	bannedAt := time.Now()
	states.Put(&UserRiskState{UserID: "user1", SuspicionScore: 230, BannedAt: &bannedAt})

	w := doRequest(router, http.MethodPost, "/api/v1/risk/users/user1/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	s, _ := states.Get(context.Background(), "user1")
	if s.Banned() || s.SuspicionScore != 0 {
		t.Errorf("Expected clean state, got %+v", s)
	}
}

func TestHandler_ForceLogout(t *testing.T) {
	router, states, sessions := newTestRouter()
	states.Put(&UserRiskState{UserID: "user1"})
	sessions.Add("sess1", "user1")

	w := doRequest(router, http.MethodPost, "/api/v1/risk/users/user1/force-logout", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if sessions.Count() != 0 {
		t.Errorf("Expected sessions revoked, %d left", sessions.Count())
	}
}

func TestHandler_RevokeSession(t *testing.T) {
	router, _, sessions := newTestRouter()
	sessions.Add("sess1", "user1")

	w := doRequest(router, http.MethodDelete, "/api/v1/risk/sessions/sess1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if sessions.Count() != 0 {
		t.Error("Expected session revoked")
	}
}

func TestHandler_TimelineEmptyArray(t *testing.T) {
	router, _, _ := newTestRouter()

	w := doRequest(router, http.MethodGet, "/api/v1/risk/users/ghost/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Data []RiskEvent `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Data == nil {
		t.Error("Expected empty array, not null")
	}
}

func TestHandler_Stats(t *testing.T) {
	router, states, _ := newTestRouter()
	bannedAt := time.Now()
	states.Put(&UserRiskState{UserID: "a"})
	states.Put(&UserRiskState{UserID: "b", BannedAt: &bannedAt})

	w := doRequest(router, http.MethodGet, "/api/v1/risk/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Data EngineStats `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Data.TrackedUsers != 2 || resp.Data.BannedUsers != 1 {
		t.Errorf("Unexpected stats: %+v", resp.Data)
	}
}
