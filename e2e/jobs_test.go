package e2e

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/reelforge/api/internal/transcoder"
	"github.com/reelforge/api/internal/transcoder/transcodertest"
)

func renditionsBody(src, out string) string {
	return fmt.Sprintf(`{
		"type": "renditions",
		"priority": "high",
		"data": {"sourcePath": %q, "outputDir": %q, "preset": "basic", "format": "hls"}
	}`, src, out)
}

// writeSource places a source file under the media root and returns its
// root-relative path.
func writeSource(t *testing.T, ta *testApp) string {
	t.Helper()
	src := filepath.Join(ta.media, "uploads", "source.mp4")
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatalf("failed to create upload dir: %v", err)
	}
	if err := os.WriteFile(src, []byte("video"), 0o644); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}
	return "uploads/source.mp4"
}

func TestRenditionsJob_Lifecycle(t *testing.T) {
	ta := setupApp(t, nil)
	out := filepath.Join(ta.media, "ladder")

	jobID := submitJob(t, ta, renditionsBody(writeSource(t, ta), "ladder"))
	waitForStatus(t, ta, jobID, "completed")

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID+"/result", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	result, ok := body["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected 'result' object, got %v", body["result"])
	}
	if result["masterPlaylistPath"] != filepath.Join(out, "master.m3u8") {
		t.Errorf("unexpected master playlist %v", result["masterPlaylistPath"])
	}
	if levels, _ := result["qualityLevels"].([]interface{}); len(levels) != 3 {
		t.Errorf("expected 3 quality levels, got %d", len(levels))
	}
	if _, err := os.Stat(filepath.Join(out, "master.m3u8")); err != nil {
		t.Errorf("master playlist not written: %v", err)
	}
}

func TestRenderJob_Lifecycle(t *testing.T) {
	ta := setupApp(t, nil)

	var slides []string
	for i, c := range []color.NRGBA{{R: 255, A: 255}, {G: 255, A: 255}} {
		name := fmt.Sprintf("slide%d.png", i)
		if err := imaging.Save(imaging.New(64, 48, c), filepath.Join(ta.media, name)); err != nil {
			t.Fatalf("failed to write slide: %v", err)
		}
		slides = append(slides, fmt.Sprintf(`{"id": "s%d", "imageUrl": %q, "duration": 1}`, i, name))
	}
	body := fmt.Sprintf(`{
		"type": "render",
		"data": {
			"id": "r1",
			"projectId": "p1",
			"userId": "u1",
			"slides": [%s],
			"config": {
				"resolution": {"width": 32, "height": 18},
				"fps": 2,
				"quality": "medium",
				"codec": "h264",
				"format": "mp4"
			}
		}
	}`, strings.Join(slides, ","))

	jobID := submitJob(t, ta, body)
	status := waitForStatus(t, ta, jobID, "completed")

	result, _ := status["result"].(map[string]interface{})
	want := "http://localhost:8000/files/renders/p1/" + jobID + "/video.mp4"
	if result["videoUrl"] != want {
		t.Errorf("expected videoUrl %s, got %v", want, result["videoUrl"])
	}
	if _, err := os.Stat(filepath.Join(ta.storage, "renders", "p1", jobID, "video.mp4")); err != nil {
		t.Errorf("video not uploaded: %v", err)
	}
}

func TestWatermarkJob_Lifecycle(t *testing.T) {
	ta := setupApp(t, nil)
	out := filepath.Join(ta.media, "marked")

	body := fmt.Sprintf(`{
		"type": "watermark",
		"data": {
			"inputs": [%q],
			"outputDir": %q,
			"watermarks": [{"type": "text", "text": "preview", "position": "bottom_right", "opacity": 0.6}]
		}
	}`, writeSource(t, ta), "marked")

	jobID := submitJob(t, ta, body)
	status := waitForStatus(t, ta, jobID, "completed")

	result, _ := status["result"].(map[string]interface{})
	if result["totalProcessed"] != float64(1) {
		t.Errorf("expected 1 processed input, got %v", result["totalProcessed"])
	}
	if _, err := os.Stat(filepath.Join(out, "source_watermarked.mp4")); err != nil {
		t.Errorf("watermarked output missing: %v", err)
	}
}

func TestSubmit_InvalidEnvelope(t *testing.T) {
	ta := setupApp(t, nil)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", `{"type": "renditions", "data": {"outputDir": "out"}}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)

	body := parseJSON(t, resp)
	errBody, _ := body["error"].(map[string]interface{})
	if errBody["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %v", errBody["code"])
	}
}

func TestSubmit_PathOutsideMediaRoot(t *testing.T) {
	ta := setupApp(t, nil)

	for _, body := range []string{
		renditionsBody("/etc/passwd", "/etc/cron.d"),
		renditionsBody("../../etc/passwd", "out"),
		renditionsBody("file:///etc/passwd", "out"),
	} {
		resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusBadRequest)
	}
	if stats := ta.queue.GetStats(); stats.Total != 0 {
		t.Errorf("expected no jobs, got %d", stats.Total)
	}
}

func TestSubmit_NoAuth(t *testing.T) {
	ta := setupApp(t, nil)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs", renditionsBody("in.mp4", "out"), nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestCancel_RunningJob(t *testing.T) {
	started := make(chan struct{}, 1)
	ta := setupApp(t, func(ctx context.Context, args []string, s *transcoder.Stream) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil
	})

	jobID := submitJob(t, ta, renditionsBody(writeSource(t, ta), "out"))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("transcoder never started")
	}

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+jobID+"/cancel", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	waitForStatus(t, ta, jobID, "cancelled")
	if ta.fake.Kills() == 0 {
		t.Error("expected the running transcoder to be killed")
	}

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID+"/result", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusConflict)
}

func TestRetry_FailedJob(t *testing.T) {
	ta := setupApp(t, func(ctx context.Context, args []string, s *transcoder.Stream) error {
		return errors.New("encoder crashed")
	})

	jobID := submitJob(t, ta, renditionsBody(writeSource(t, ta), "out"))
	status := waitForStatus(t, ta, jobID, "failed")
	if status["attempts"] != float64(2) {
		t.Errorf("expected 2 attempts, got %v", status["attempts"])
	}

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID+"/result", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnprocessableEntity)

	// let the next run succeed
	ta.fake.Handler = func(ctx context.Context, args []string, s *transcoder.Stream) error {
		return transcodertest.TouchOutput(args)
	}
	resp, err = doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+jobID+"/retry", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	waitForStatus(t, ta, jobID, "completed")
}

func TestStats_AfterJobs(t *testing.T) {
	ta := setupApp(t, nil)

	jobID := submitJob(t, ta, renditionsBody(writeSource(t, ta), "out"))
	waitForStatus(t, ta, jobID, "completed")

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/stats", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	body := parseJSON(t, resp)
	if body["completed"] != float64(1) {
		t.Errorf("expected 1 completed job, got %v", body["completed"])
	}
	if body["workers"] != float64(1) {
		t.Errorf("expected 1 worker, got %v", body["workers"])
	}

	resp, err = doAuthRequest(t, ta.app, http.MethodDelete, "/api/jobs/completed", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}
