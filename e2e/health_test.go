package e2e

import (
	"net/http"
	"testing"
)

func TestBaseURL(t *testing.T) {
	ta := setupApp(t, nil)

	resp, err := doRequest(ta.app, http.MethodGet, "/", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if _, ok := body["timestamp"]; !ok {
		t.Error("expected 'timestamp' field in response")
	}
}

func TestSwaggerDoc(t *testing.T) {
	ta := setupApp(t, nil)

	resp, err := doRequest(ta.app, http.MethodGet, "/swagger/doc.json", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["swagger"] != "2.0" {
		t.Errorf("expected swagger 2.0, got %v", body["swagger"])
	}
	paths, _ := body["paths"].(map[string]interface{})
	for _, p := range []string{"/api/jobs", "/api/jobs/{jobId}", "/api/jobs/{jobId}/cancel"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("expected %s in swagger paths", p)
		}
	}
}

func TestHealth(t *testing.T) {
	ta := setupApp(t, nil)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", body["status"])
	}
	services, ok := body["services"].(map[string]interface{})
	if !ok {
		t.Fatal("expected 'services' field in response")
	}
	if services["queue"] != true {
		t.Errorf("expected queue to be up, got %v", services["queue"])
	}
}

func TestAuthVerify_NoToken(t *testing.T) {
	ta := setupApp(t, nil)

	resp, err := doRequest(ta.app, http.MethodGet, "/auth/verify", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestAuthVerify_ValidToken(t *testing.T) {
	ta := setupApp(t, nil)

	token := generateToken(t)
	resp, err := doRequest(ta.app, http.MethodGet, "/auth/verify", "", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	if resp.Header.Get("X-User-Id") != "test-user-123" {
		t.Errorf("expected X-User-Id header, got %q", resp.Header.Get("X-User-Id"))
	}
	if resp.Header.Get("X-User-Email") == "" {
		t.Error("expected X-User-Email header to be set")
	}
}

func TestDevToken(t *testing.T) {
	ta := setupApp(t, nil)

	resp, err := doRequest(ta.app, http.MethodPost, "/auth/token", `{"userId": "dev-1", "email": "dev@example.com"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	token, _ := parseJSON(t, resp)["token"].(string)
	resp, err = doRequest(ta.app, http.MethodGet, "/api/jobs", "", map[string]string{"Authorization": "Bearer " + token})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
}
