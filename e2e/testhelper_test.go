package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberSwagger "github.com/gofiber/swagger"
	"github.com/rs/zerolog"

	_ "github.com/reelforge/api/docs"
	"github.com/reelforge/api/internal/auth"
	"github.com/reelforge/api/internal/client"
	"github.com/reelforge/api/internal/config"
	"github.com/reelforge/api/internal/frames"
	"github.com/reelforge/api/internal/handler"
	"github.com/reelforge/api/internal/middleware"
	"github.com/reelforge/api/internal/queue"
	"github.com/reelforge/api/internal/transcoder/transcodertest"
	"github.com/reelforge/api/internal/watermark"
	ws "github.com/reelforge/api/internal/websocket"
	"github.com/reelforge/api/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	queue   *queue.Queue
	fake    *transcodertest.Fake
	storage string
	media   string
}

type fixedProber float64

func (p fixedProber) Duration(context.Context, string) (float64, error) {
	return float64(p), nil
}

// setupApp wires the same components as main.go around an in-memory
// transcoder. Redis is left out: the rate limiter fails open without it and
// the job mirror is optional.
func setupApp(t *testing.T, h transcodertest.Handler) *testApp {
	t.Helper()
	log := zerolog.Nop()

	fake := transcodertest.New(h)
	storageDir := t.TempDir()
	storage, err := client.NewLocalClient(&config.LocalStorageConfig{Dir: storageDir, BaseURL: "http://localhost:8000/files"})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	fetcher := client.NewFetchClient(&config.FetchConfig{})

	mediaDir := t.TempDir()
	q := queue.New(queue.Config{MaxConcurrent: 1, MaxAttempts: 2, RetryBaseDelay: 10 * time.Millisecond, MediaRoot: mediaDir}, log)

	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	pool := worker.NewPool(q.MaxConcurrent(), worker.Config{WorkDir: t.TempDir(), StoragePrefix: "renders"}, worker.Deps{
		Frames:     frames.NewGenerator(fetcher, log),
		Fetcher:    fetcher,
		Uploader:   storage,
		Watermarks: watermark.New(fake.Factory(), log),
		Prober:     fixedProber(12),
	}, fake.Factory(), worker.MultiReporter{hub}, log)
	pool.Register(q)

	events := q.Subscribe(256)
	go hub.Consume(ctx, events)
	q.Start()

	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = q.Shutdown(shutdownCtx)
		events.Close()
		cancel()
	})

	verifier, err := auth.NewVerifier(testJWTSecret)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 4 * 1024 * 1024,
	})

	// Use very high rate limits so tests don't get blocked
	handler.Mount(app, handler.Routes{
		Jobs:         handler.NewJobsHandler(q, pool, nil),
		Auth:         handler.NewAuthHandler(verifier, time.Hour),
		Health:       handler.NewHealthHandler(map[string]handler.Check{"queue": q.Running, "ffmpeg": func() bool { return true }}),
		Hub:          hub,
		Authenticate: middleware.NewAuthMiddleware(verifier).Authenticate(),
		SubmitLimit:  middleware.NewRateLimiter(nil, log).SubmitLimit(10000),
		Docs:         fiberSwagger.HandlerDefault,
		DevTokens:    true,
	})

	return &testApp{app: app, queue: q, fake: fake, storage: storageDir, media: mediaDir}
}

// generateToken signs a token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	verifier, err := auth.NewVerifier(testJWTSecret)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}
	signed, err := verifier.Issue("test-user-123", "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// submitJob posts an envelope and returns the job id.
func submitJob(t *testing.T, ta *testApp, body string) string {
	t.Helper()
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit returned %d: %s", resp.StatusCode, readBody(t, resp))
	}
	id, _ := parseJSON(t, resp)["jobId"].(string)
	if id == "" {
		t.Fatal("expected 'jobId' in response")
	}
	return id
}

// waitForStatus polls the status endpoint until the job reaches want.
func waitForStatus(t *testing.T, ta *testApp, jobID, want string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last interface{}
	for time.Now().Before(deadline) {
		resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID, "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		body := parseJSON(t, resp)
		if body["status"] == want {
			return body
		}
		last = body["status"]
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %q, last status %v", jobID, want, last)
	return nil
}
