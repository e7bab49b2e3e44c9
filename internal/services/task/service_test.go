package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/database"
)

func setupTasks(t *testing.T) *Service {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "task_test")
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
	return NewService(db.DB)
}

func TestTaskLifecycle(t *testing.T) {
	s := setupTasks(t)
	ctx := context.Background()

	credID := uint(1)
	created, err := s.Create(ctx, "task-1", "gpt-image", "a cat", &credID)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Status != models.TaskProcessing {
		t.Errorf("New task must be processing, got %s", created.Status)
	}

	if err := s.UpdateProgress(ctx, "task-1", 40); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	got, _ := s.Get(ctx, "task-1")
	if got.Progress != 40 {
		t.Errorf("Expected progress 40, got %f", got.Progress)
	}

	if err := s.Complete(ctx, "task-1", []string{"https://cdn.example/img.png"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	got, _ = s.Get(ctx, "task-1")
	if got.Status != models.TaskCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("Expected progress 100, got %f", got.Progress)
	}
	if got.CompletedAt == nil {
		t.Error("Expected completed_at set")
	}
	if urls := got.Results(); len(urls) != 1 || urls[0] != "https://cdn.example/img.png" {
		t.Errorf("Unexpected results: %v", urls)
	}
}

func TestProgressNeverMovesBackwards(t *testing.T) {
	s := setupTasks(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "task-1", "gpt-image", "p", nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.UpdateProgress(ctx, "task-1", 60); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	if err := s.UpdateProgress(ctx, "task-1", 30); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}

	got, _ := s.Get(ctx, "task-1")
	if got.Progress != 60 {
		t.Errorf("Stale progress update must be dropped, got %f", got.Progress)
	}
}

func TestTerminalTaskIsImmutable(t *testing.T) {
	s := setupTasks(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "task-1", "gpt-image", "p", nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Complete(ctx, "task-1", []string{"u1"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// A late failure or progress update must not resurrect the task.
	if err := s.Fail(ctx, "task-1", "late error"); err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}
	if err := s.UpdateProgress(ctx, "task-1", 99); err != nil {
		t.Fatalf("UpdateProgress returned error: %v", err)
	}

	got, _ := s.Get(ctx, "task-1")
	if got.Status != models.TaskCompleted {
		t.Errorf("Terminal task was mutated to %s", got.Status)
	}
	if got.ErrorMessage != nil {
		t.Errorf("Terminal task gained an error message: %v", *got.ErrorMessage)
	}
	if got.Progress != 100 {
		t.Errorf("Terminal progress changed to %f", got.Progress)
	}
}

func TestFailRecordsMessage(t *testing.T) {
	s := setupTasks(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "task-1", "sora2-landscape-10s", "p", nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Fail(ctx, "task-1", "upstream returned status 500"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	got, _ := s.Get(ctx, "task-1")
	if got.Status != models.TaskFailed {
		t.Errorf("Expected failed, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "upstream returned status 500" {
		t.Errorf("Unexpected error message: %v", got.ErrorMessage)
	}
	if got.Results() != nil {
		t.Errorf("Failed task must have no results, got %v", got.Results())
	}
}

func TestCreateCompletedForCacheHit(t *testing.T) {
	s := setupTasks(t)
	ctx := context.Background()

	created, err := s.CreateCompleted(ctx, "task-1", "gpt-image", "p", []string{"u1"})
	if err != nil {
		t.Fatalf("CreateCompleted failed: %v", err)
	}
	if created.Status != models.TaskCompleted || created.Progress != 100 {
		t.Errorf("Unexpected state: %s %f", created.Status, created.Progress)
	}
	if created.CredentialID != nil {
		t.Error("Cache-hit task must not reference a credential")
	}
}

func TestGetUnknownTask(t *testing.T) {
	s := setupTasks(t)

	_, err := s.Get(context.Background(), "missing")
	if err == nil {
		t.Fatal("Expected not-found error")
	}
	appErr, ok := err.(*models.AppError)
	if !ok || appErr.Type != models.ErrorTypeNotFound {
		t.Errorf("Expected not_found AppError, got %v", err)
	}
}
