package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/admission"
	"github.com/creativepool/sora-relay/internal/services/credential"
	"github.com/creativepool/sora-relay/internal/services/database"
	"github.com/creativepool/sora-relay/internal/services/health"
	"github.com/creativepool/sora-relay/internal/services/orchestrator"
	"github.com/creativepool/sora-relay/internal/services/pool"
	"github.com/creativepool/sora-relay/internal/services/requestlog"
	"github.com/creativepool/sora-relay/internal/services/resultcache"
	"github.com/creativepool/sora-relay/internal/services/settings"
	"github.com/creativepool/sora-relay/internal/services/stats"
	"github.com/creativepool/sora-relay/internal/services/task"

	"github.com/gofiber/fiber/v2"
)

const (
	testAPIKey    = "test-api-key"
	testAdminUser = "admin"
	testAdminPass = "admin-secret"
)

type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, cred models.Credential, req models.GenerationRequest, onProgress func(float64)) ([]string, error) {
	onProgress(100)
	return []string{"https://cdn.example/result.png"}, nil
}

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "api_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	db, err := database.New(models.DatabaseConfig{
		Type: models.SQLite,
		DSN:  filepath.Join(tempDir, "test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.AutoMigrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	if err := db.SeedConfigRows(models.DefaultsConfig{
		APIKey:        testAPIKey,
		AdminUsername: testAdminUser,
		AdminPassword: testAdminPass,
		ErrorBanThreshold: 3, ImageTimeout: 10, VideoTimeout: 10,
	}); err != nil {
		t.Fatalf("Failed to seed config: %v", err)
	}

	ctx := context.Background()
	settingsService := settings.NewService(db.DB)
	if err := settingsService.Load(ctx); err != nil {
		t.Fatalf("Failed to load settings: %v", err)
	}

	credService := credential.NewService(db.DB)
	statsService := stats.NewService(db.DB)
	taskService := task.NewService(db.DB)
	logService := requestlog.NewService(db.DB)
	credPool := pool.New(credService)

	total := 10
	if _, err := credService.Create(ctx, &models.CredentialCreateRequest{
		Email: "api@example.com", AccessToken: "tok",
		VideoTotalCount: &total,
	}); err != nil {
		t.Fatalf("Failed to create credential: %v", err)
	}
	if err := credPool.Resync(ctx); err != nil {
		t.Fatalf("Failed to resync pool: %v", err)
	}

	monitor := health.NewMonitor(credService, statsService, credPool, settingsService, models.HealthConfig{
		CooldownMinutes: 30, MaxCooldownMinutes: 240,
	})
	scheduler := admission.NewScheduler(credPool, credService)
	cacheService := resultcache.NewService(resultcache.NewMemoryStore(), settingsService)
	orch := orchestrator.New(scheduler, stubExecutor{}, taskService, logService, cacheService, monitor, settingsService)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	SetupRoutes(app, Handlers{
		Generation: NewGenerationHandler(orch),
		Tasks:      NewTaskHandler(orch),
		Admin: NewAdminHandler(
			credService, credPool, monitor, statsService,
			taskService, logService, settingsService, cacheService,
		),
		Health:   NewHealthHandler(db, nil),
		Settings: settingsService,
	})
	return app
}

func authedRequest(method, target string, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("X-API-Key", testAPIKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func adminRequest(method, target string, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	basic := base64.StdEncoding.EncodeToString([]byte(testAdminUser + ":" + testAdminPass))
	req.Header.Set("Authorization", "Basic "+basic)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func TestHealthEndpoint(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestMissingAPIKeyRejected(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestBearerTokenAccepted(t *testing.T) {
	app := setupTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestListModels(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(authedRequest(http.MethodGet, "/v1/models", ""))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID         string `json:"id"`
			Capability string `json:"capability"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Object != "list" {
		t.Errorf("Expected list object, got %s", body.Object)
	}
	if len(body.Data) != len(models.ModelCatalog) {
		t.Errorf("Expected %d models, got %d", len(models.ModelCatalog), len(body.Data))
	}
}

func TestImageGenerateSync(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(authedRequest(http.MethodPost, "/v1/images/generate",
		`{"prompt": "a lighthouse", "model": "gpt-image"}`), 10000)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, raw)
	}

	var out models.GenerationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if out.TaskID == "" {
		t.Error("Expected task_id in response")
	}
	if len(out.ResultURLs) != 1 || out.ResultURLs[0] != "https://cdn.example/result.png" {
		t.Errorf("Unexpected result urls: %v", out.ResultURLs)
	}
}

func TestImageGenerateAsyncAndPoll(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(authedRequest(http.MethodPost, "/v1/images/generate",
		`{"prompt": "a lighthouse", "async_mode": true}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 202, got %d: %s", resp.StatusCode, raw)
	}

	var submitted models.TaskSubmittedResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if submitted.TaskID == "" {
		t.Fatal("Expected task_id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := app.Test(authedRequest(http.MethodGet, "/v1/tasks/"+submitted.TaskID, ""))
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		var status models.TaskStatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			t.Fatalf("Failed to decode status: %v", err)
		}
		if status.Status == string(models.TaskCompleted) {
			if len(status.ResultURLs) != 1 {
				t.Errorf("Expected 1 result url, got %v", status.ResultURLs)
			}
			break
		}
		if status.Status == string(models.TaskFailed) {
			t.Fatalf("Task failed: %v", status.ErrorMessage)
		}
		if time.Now().After(deadline) {
			t.Fatalf("Task never completed, last status %s", status.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGenerateValidation(t *testing.T) {
	app := setupTestApp(t)

	cases := []struct {
		name string
		path string
		body string
	}{
		{"missing prompt", "/v1/images/generate", `{"model": "gpt-image"}`},
		{"unknown model", "/v1/images/generate", `{"prompt": "x", "model": "dalle-9"}`},
		{"video model on image endpoint", "/v1/images/generate", `{"prompt": "x", "model": "sora2-landscape-10s"}`},
		{"missing image", "/v1/images/transform", `{"prompt": "x"}`},
		{"unknown style", "/v1/videos/generate", `{"prompt": "x", "style": "baroque"}`},
		{"bad remix target", "/v1/videos/remix", `{"prompt": "x", "remix_target_id": "nope"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := app.Test(authedRequest(http.MethodPost, tc.path, tc.body))
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			if resp.StatusCode != http.StatusBadRequest {
				raw, _ := io.ReadAll(resp.Body)
				t.Errorf("Expected status 400, got %d: %s", resp.StatusCode, raw)
			}
		})
	}
}

func TestUnknownTaskReturns404(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(authedRequest(http.MethodGet, "/v1/tasks/does-not-exist", ""))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestAdminRequiresBasicAuth(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/admin/credentials", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}

	// The generation API key opens no doors on the admin surface.
	resp, err = app.Test(authedRequest(http.MethodGet, "/admin/credentials", ""))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401 with API key only, got %d", resp.StatusCode)
	}
}

func TestAdminCredentialLifecycle(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(adminRequest(http.MethodPost, "/admin/credentials",
		`{"email": "new@example.com", "access_token": "tok2", "plan_type": "chatgpt_pro", "video_total_count": 5}`))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 201, got %d: %s", resp.StatusCode, raw)
	}

	var created models.Credential
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created.VideoRemainingCount != 5 {
		t.Errorf("Expected remaining quota 5, got %d", created.VideoRemainingCount)
	}

	resp, err = app.Test(adminRequest(http.MethodGet, "/admin/credentials", ""))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var listed struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	if listed.Total != 2 {
		t.Errorf("Expected 2 credentials, got %d", listed.Total)
	}

	target := fmt.Sprintf("/admin/credentials/%d/active", created.ID)
	resp, err = app.Test(adminRequest(http.MethodPost, target, `{"active": false}`))
	if err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	resp, err = app.Test(adminRequest(http.MethodDelete, fmt.Sprintf("/admin/credentials/%d", created.ID), ""))
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
}

func TestAdminConfigUpdateTakesEffect(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(adminRequest(http.MethodPut, "/admin/config/admin",
		`{"api_key": "rotated-key"}`))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, raw)
	}

	// Old key is dead immediately.
	resp, err = app.Test(authedRequest(http.MethodGet, "/v1/models", ""))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected old key rejected, got %d", resp.StatusCode)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-API-Key", "rotated-key")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected rotated key accepted, got %d", resp.StatusCode)
	}
}
