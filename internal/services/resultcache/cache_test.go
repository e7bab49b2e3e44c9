package resultcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/database"
	"github.com/creativepool/sora-relay/internal/services/settings"
)

func baseRequest() models.GenerationRequest {
	return models.GenerationRequest{
		Model:      "gpt-image",
		Capability: models.CapabilityImage,
		Prompt:     "a lighthouse at dusk",
		Operation:  "image_generate",
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(baseRequest())
	b := Fingerprint(baseRequest())
	if a != b {
		t.Errorf("Same request must fingerprint identically: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("Expected hex sha256, got %q", a)
	}
}

func TestFingerprintDistinguishesFields(t *testing.T) {
	base := Fingerprint(baseRequest())

	variants := []func(r *models.GenerationRequest){
		func(r *models.GenerationRequest) { r.Prompt = "a lighthouse at dawn" },
		func(r *models.GenerationRequest) { r.Model = "gpt-image-portrait" },
		func(r *models.GenerationRequest) { r.Style = "anime" },
		func(r *models.GenerationRequest) { r.Operation = "image_transform" },
		func(r *models.GenerationRequest) { r.Image = "aGVsbG8=" },
		func(r *models.GenerationRequest) { r.RemixTargetID = "s_0123456789abcdef0123456789abcdef" },
	}
	for i, mutate := range variants {
		req := baseRequest()
		mutate(&req)
		if Fingerprint(req) == base {
			t.Errorf("Variant %d must change the fingerprint", i)
		}
	}
}

func TestFingerprintNoFieldBleed(t *testing.T) {
	a := baseRequest()
	a.Prompt = "ab"
	a.Style = "c"
	b := baseRequest()
	b.Prompt = "a"
	b.Style = "bc"
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("Length prefixing must prevent adjacent-field collisions")
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Insert(ctx, "k", []string{"https://cdn.example/u1"}, 20*time.Millisecond); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	urls, ok, err := store.Lookup(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Expected hit, got ok=%v err=%v", ok, err)
	}
	if len(urls) != 1 || urls[0] != "https://cdn.example/u1" {
		t.Errorf("Unexpected urls: %v", urls)
	}

	time.Sleep(40 * time.Millisecond)

	if _, ok, _ := store.Lookup(ctx, "k"); ok {
		t.Error("Expected miss after TTL expiry")
	}
}

func TestMemoryStoreMissUnknownKey(t *testing.T) {
	store := NewMemoryStore()
	if _, ok, err := store.Lookup(context.Background(), "missing"); ok || err != nil {
		t.Errorf("Expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func setupCacheService(t *testing.T, enabled bool) *Service {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "cache_test")
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
		APIKey: "k", AdminUsername: "admin", AdminPassword: "pw",
		ErrorBanThreshold: 3, ImageTimeout: 300, VideoTimeout: 3000,
		CacheEnabled: enabled, CacheTimeout: 600,
	}); err != nil {
		t.Fatalf("Failed to seed config: %v", err)
	}

	settingsService := settings.NewService(db.DB)
	if err := settingsService.Load(context.Background()); err != nil {
		t.Fatalf("Failed to load settings: %v", err)
	}

	return NewService(NewMemoryStore(), settingsService)
}

func TestServiceDisabledNeverHits(t *testing.T) {
	svc := setupCacheService(t, false)
	ctx := context.Background()

	svc.Insert(ctx, "k", []string{"https://cdn.example/u1"})
	if _, ok := svc.Lookup(ctx, "k"); ok {
		t.Error("Disabled cache must never hit")
	}
}

func TestServiceEnabledRoundTrip(t *testing.T) {
	svc := setupCacheService(t, true)
	ctx := context.Background()

	svc.Insert(ctx, "k", []string{"https://cdn.example/u1", "https://cdn.example/u2"})
	urls, ok := svc.Lookup(ctx, "k")
	if !ok {
		t.Fatal("Expected cache hit")
	}
	if len(urls) != 2 {
		t.Errorf("Expected 2 urls, got %d", len(urls))
	}
}
