package api

import (
	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/credential"
	"github.com/creativepool/sora-relay/internal/services/health"
	"github.com/creativepool/sora-relay/internal/services/pool"
	"github.com/creativepool/sora-relay/internal/services/requestlog"
	"github.com/creativepool/sora-relay/internal/services/resultcache"
	"github.com/creativepool/sora-relay/internal/services/settings"
	"github.com/creativepool/sora-relay/internal/services/stats"
	"github.com/creativepool/sora-relay/internal/services/task"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// AdminHandler serves the operator surface: credential management,
// runtime policy, stats and the audit trail.
type AdminHandler struct {
	creds    *credential.Service
	pool     *pool.Pool
	health   *health.Monitor
	stats    *stats.Service
	tasks    *task.Service
	logs     *requestlog.Service
	settings *settings.Service
	cache    *resultcache.Service
}

func NewAdminHandler(
	creds *credential.Service,
	p *pool.Pool,
	healthMonitor *health.Monitor,
	statsService *stats.Service,
	tasks *task.Service,
	logs *requestlog.Service,
	settingsService *settings.Service,
	cache *resultcache.Service,
) *AdminHandler {
	return &AdminHandler{
		creds:    creds,
		pool:     p,
		health:   healthMonitor,
		stats:    statsService,
		tasks:    tasks,
		logs:     logs,
		settings: settingsService,
		cache:    cache,
	}
}

// resync refreshes the pool view after a credential mutation. Failures
// are logged, not surfaced: the database write already succeeded and the
// view catches up on the next resync.
func (h *AdminHandler) resync(c *fiber.Ctx) {
	if err := h.pool.Resync(c.UserContext()); err != nil {
		fiberlog.Errorf("Admin: pool resync failed: %v", err)
	}
}

func (h *AdminHandler) ListCredentials(c *fiber.Ctx) error {
	creds, err := h.creds.List(c.UserContext())
	if err != nil {
		return err
	}

	type listed struct {
		models.Credential
		ImageInFlight int `json:"image_in_flight"`
		VideoInFlight int `json:"video_in_flight"`
	}
	out := make([]listed, 0, len(creds))
	for _, cred := range creds {
		out = append(out, listed{
			Credential:    cred,
			ImageInFlight: h.pool.InFlight(cred.ID, models.CapabilityImage),
			VideoInFlight: h.pool.InFlight(cred.ID, models.CapabilityVideo),
		})
	}
	return c.JSON(fiber.Map{"data": out, "total": len(out)})
}

func (h *AdminHandler) CreateCredential(c *fiber.Ctx) error {
	var req models.CredentialCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return models.NewValidationError("invalid request body", err)
	}

	cred, err := h.creds.Create(c.UserContext(), &req)
	if err != nil {
		return err
	}
	h.resync(c)
	return c.Status(fiber.StatusCreated).JSON(cred)
}

func (h *AdminHandler) GetCredential(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return err
	}
	cred, err := h.creds.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(cred)
}

func (h *AdminHandler) UpdateCredential(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return err
	}

	var updates map[string]any
	if err := c.BodyParser(&updates); err != nil {
		return models.NewValidationError("invalid request body", err)
	}

	if err := h.creds.Update(c.UserContext(), id, updates); err != nil {
		return err
	}
	h.resync(c)

	cred, err := h.creds.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(cred)
}

func (h *AdminHandler) SetCredentialActive(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return err
	}

	var body struct {
		Active *bool `json:"active"`
	}
	if err := c.BodyParser(&body); err != nil || body.Active == nil {
		return models.NewValidationError("active is required", err)
	}

	if err := h.creds.SetActive(c.UserContext(), id, *body.Active); err != nil {
		return err
	}
	h.resync(c)
	return c.JSON(fiber.Map{"id": id, "active": *body.Active})
}

func (h *AdminHandler) DeleteCredential(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return err
	}

	if err := h.creds.Delete(c.UserContext(), id); err != nil {
		return err
	}
	h.pool.Remove(id)
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *AdminHandler) ClearCooldown(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return err
	}

	if err := h.health.ClearCooldown(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"id": id, "cooled_until": nil})
}

func (h *AdminHandler) ClearExpired(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return err
	}

	if err := h.creds.ClearExpired(c.UserContext(), id); err != nil {
		return err
	}
	h.resync(c)
	return c.JSON(fiber.Map{"id": id, "is_expired": false})
}

func (h *AdminHandler) SetQuota(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return err
	}

	var body struct {
		Total     *int `json:"total"`
		Remaining *int `json:"remaining"`
	}
	if err := c.BodyParser(&body); err != nil || body.Total == nil || body.Remaining == nil {
		return models.NewValidationError("total and remaining are required", err)
	}
	if *body.Total < 0 || *body.Remaining < 0 || *body.Remaining > *body.Total {
		return models.NewValidationError("quota values must satisfy 0 <= remaining <= total", nil)
	}

	if err := h.creds.SetQuota(c.UserContext(), id, *body.Total, *body.Remaining); err != nil {
		return err
	}
	h.resync(c)
	return c.JSON(fiber.Map{"id": id, "total": *body.Total, "remaining": *body.Remaining})
}

func (h *AdminHandler) GetCredentialStats(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return err
	}
	st, err := h.stats.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (h *AdminHandler) ListTasks(c *fiber.Ctx) error {
	tasks, err := h.tasks.Recent(c.UserContext(), c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": tasks, "total": len(tasks)})
}

func (h *AdminHandler) ListRequestLogs(c *fiber.Ctx) error {
	entries, err := h.logs.Recent(c.UserContext(), c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": entries, "total": len(entries)})
}

func (h *AdminHandler) ClearRequestLogs(c *fiber.Ctx) error {
	if err := h.logs.ClearAll(c.UserContext()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GetConfig returns the live runtime policy. Secrets stay out of the
// response.
func (h *AdminHandler) GetConfig(c *fiber.Ctx) error {
	snap := h.settings.Current()
	return c.JSON(fiber.Map{
		"admin_username":      snap.AdminUsername,
		"error_ban_threshold": snap.ErrorBanThreshold,
		"image_timeout":       int(snap.ImageTimeout.Seconds()),
		"video_timeout":       int(snap.VideoTimeout.Seconds()),
		"cache_enabled":       snap.CacheEnabled,
		"cache_timeout":       int(snap.CacheTTL.Seconds()),
	})
}

func (h *AdminHandler) UpdateAdminConfig(c *fiber.Ctx) error {
	var body struct {
		APIKey            *string `json:"api_key"`
		AdminUsername     *string `json:"admin_username"`
		AdminPassword     *string `json:"admin_password"`
		ErrorBanThreshold *int    `json:"error_ban_threshold"`
	}
	if err := c.BodyParser(&body); err != nil {
		return models.NewValidationError("invalid request body", err)
	}

	if err := h.settings.UpdateAdmin(c.UserContext(), body.APIKey, body.AdminUsername, body.AdminPassword, body.ErrorBanThreshold); err != nil {
		return models.NewValidationError(err.Error(), err)
	}
	return c.JSON(fiber.Map{"status": "updated"})
}

func (h *AdminHandler) UpdateCacheConfig(c *fiber.Ctx) error {
	var body struct {
		CacheEnabled *bool `json:"cache_enabled"`
		CacheTimeout *int  `json:"cache_timeout"`
	}
	if err := c.BodyParser(&body); err != nil {
		return models.NewValidationError("invalid request body", err)
	}

	if err := h.settings.UpdateCache(c.UserContext(), body.CacheEnabled, body.CacheTimeout); err != nil {
		return models.NewValidationError(err.Error(), err)
	}
	return c.JSON(fiber.Map{"status": "updated"})
}

func (h *AdminHandler) UpdateGenerationConfig(c *fiber.Ctx) error {
	var body struct {
		ImageTimeout *int `json:"image_timeout"`
		VideoTimeout *int `json:"video_timeout"`
	}
	if err := c.BodyParser(&body); err != nil {
		return models.NewValidationError("invalid request body", err)
	}

	if err := h.settings.UpdateGeneration(c.UserContext(), body.ImageTimeout, body.VideoTimeout); err != nil {
		return models.NewValidationError(err.Error(), err)
	}
	return c.JSON(fiber.Map{"status": "updated"})
}

func (h *AdminHandler) ClearResultCache(c *fiber.Ctx) error {
	if err := h.cache.Clear(c.UserContext()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func credentialID(c *fiber.Ctx) (uint, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return 0, models.NewValidationError("invalid credential id", err)
	}
	return uint(id), nil
}
