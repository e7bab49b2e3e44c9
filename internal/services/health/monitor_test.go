package health

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/credential"
	"github.com/creativepool/sora-relay/internal/services/database"
	"github.com/creativepool/sora-relay/internal/services/pool"
	"github.com/creativepool/sora-relay/internal/services/settings"
	"github.com/creativepool/sora-relay/internal/services/stats"
)

type fixture struct {
	monitor *Monitor
	creds   *credential.Service
	stats   *stats.Service
	pool    *pool.Pool
}

func setupMonitor(t *testing.T) (*fixture, uint) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "health_test")
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
		APIKey:            "test-key",
		AdminUsername:     "admin",
		AdminPassword:     "secret",
		ErrorBanThreshold: 3,
		ImageTimeout:      300,
		VideoTimeout:      3000,
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
	credPool := pool.New(credService)

	total := 10
	cred, err := credService.Create(ctx, &models.CredentialCreateRequest{
		Email: "monitor@example.com", AccessToken: "tok",
		VideoTotalCount: &total,
	})
	if err != nil {
		t.Fatalf("Failed to create credential: %v", err)
	}
	if err := credPool.Resync(ctx); err != nil {
		t.Fatalf("Failed to resync pool: %v", err)
	}

	monitor := NewMonitor(credService, statsService, credPool, settingsService, models.HealthConfig{
		CooldownMinutes:    30,
		MaxCooldownMinutes: 240,
	})

	return &fixture{monitor: monitor, creds: credService, stats: statsService, pool: credPool}, cred.ID
}

func TestBanAfterThresholdFailures(t *testing.T) {
	f, id := setupMonitor(t)
	ctx := context.Background()

	outcome := Outcome{StatusCode: http.StatusInternalServerError}
	for i := 0; i < 2; i++ {
		if err := f.monitor.RecordOutcome(ctx, id, models.CapabilityVideo, outcome); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
	}

	cred, _ := f.creds.Get(ctx, id)
	if cred.CooledUntil != nil {
		t.Fatal("Cooldown must not be set below the threshold")
	}

	if err := f.monitor.RecordOutcome(ctx, id, models.CapabilityVideo, outcome); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	cred, _ = f.creds.Get(ctx, id)
	if cred.CooledUntil == nil || !cred.CooledUntil.After(time.Now()) {
		t.Fatal("Third failure must set a future cooldown")
	}

	st, _ := f.stats.Get(ctx, id)
	if st.BanCount != 1 {
		t.Errorf("Expected ban count 1, got %d", st.BanCount)
	}
	if st.ConsecutiveErrorCount != 3 {
		t.Errorf("Ban must not reset the error streak, got %d", st.ConsecutiveErrorCount)
	}

	// The cooled credential drops out of the eligible set.
	if got := len(f.pool.ListEligible(models.CapabilityVideo, models.TierFree)); got != 0 {
		t.Errorf("Cooled credential must not be eligible, got %d candidates", got)
	}
}

func TestSuccessResetsStreakAndConsumesVideoQuota(t *testing.T) {
	f, id := setupMonitor(t)
	ctx := context.Background()

	fail := Outcome{StatusCode: http.StatusInternalServerError}
	for i := 0; i < 2; i++ {
		if err := f.monitor.RecordOutcome(ctx, id, models.CapabilityVideo, fail); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
	}

	if err := f.monitor.RecordOutcome(ctx, id, models.CapabilityVideo, Outcome{Success: true, StatusCode: http.StatusOK}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	st, _ := f.stats.Get(ctx, id)
	if st.ConsecutiveErrorCount != 0 {
		t.Errorf("Expected streak reset, got %d", st.ConsecutiveErrorCount)
	}

	cred, _ := f.creds.Get(ctx, id)
	if cred.VideoRemainingCount != 9 {
		t.Errorf("Expected quota decremented to 9, got %d", cred.VideoRemainingCount)
	}
	if cred.VideoRedeemedCount != 1 {
		t.Errorf("Expected redeemed count 1, got %d", cred.VideoRedeemedCount)
	}
}

func TestImageSuccessDoesNotTouchQuota(t *testing.T) {
	f, id := setupMonitor(t)
	ctx := context.Background()

	if err := f.monitor.RecordOutcome(ctx, id, models.CapabilityImage, Outcome{Success: true, StatusCode: http.StatusOK}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	cred, _ := f.creds.Get(ctx, id)
	if cred.VideoRemainingCount != 10 {
		t.Errorf("Image success must not consume video quota, got %d", cred.VideoRemainingCount)
	}
}

func TestUnauthorizedMarksExpired(t *testing.T) {
	f, id := setupMonitor(t)
	ctx := context.Background()

	if err := f.monitor.RecordOutcome(ctx, id, models.CapabilityImage, Outcome{StatusCode: http.StatusUnauthorized}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	cred, _ := f.creds.Get(ctx, id)
	if !cred.IsExpired {
		t.Error("401 must mark the credential expired")
	}
	if cred.IsActive {
		t.Error("Expired credential must be deactivated")
	}
	if got := len(f.pool.ListEligible(models.CapabilityImage, models.TierFree)); got != 0 {
		t.Errorf("Expired credential must not be eligible, got %d candidates", got)
	}
}

func TestCooldownBackoffDoublesAndCaps(t *testing.T) {
	f, _ := setupMonitor(t)

	cases := []struct {
		banCount int
		want     time.Duration
	}{
		{1, 30 * time.Minute},
		{2, 60 * time.Minute},
		{3, 120 * time.Minute},
		{4, 240 * time.Minute},
		{5, 240 * time.Minute},
		{10, 240 * time.Minute},
	}
	for _, tc := range cases {
		if got := f.monitor.cooldownFor(tc.banCount); got != tc.want {
			t.Errorf("cooldownFor(%d) = %s, want %s", tc.banCount, got, tc.want)
		}
	}
}

func TestClearCooldownReadmits(t *testing.T) {
	f, id := setupMonitor(t)
	ctx := context.Background()

	fail := Outcome{StatusCode: http.StatusInternalServerError}
	for i := 0; i < 3; i++ {
		if err := f.monitor.RecordOutcome(ctx, id, models.CapabilityVideo, fail); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
	}
	if got := len(f.pool.ListEligible(models.CapabilityVideo, models.TierFree)); got != 0 {
		t.Fatalf("Expected credential cooled down, got %d candidates", got)
	}

	if err := f.monitor.ClearCooldown(ctx, id); err != nil {
		t.Fatalf("ClearCooldown failed: %v", err)
	}
	if got := len(f.pool.ListEligible(models.CapabilityVideo, models.TierFree)); got != 1 {
		t.Errorf("Expected credential readmitted, got %d candidates", got)
	}
}
