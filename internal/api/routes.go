package api

import (
	"github.com/creativepool/sora-relay/internal/services/settings"

	"github.com/gofiber/fiber/v2"
)

// Handlers bundles everything route registration needs.
type Handlers struct {
	Generation *GenerationHandler
	Tasks      *TaskHandler
	Admin      *AdminHandler
	Health     *HealthHandler
	Settings   *settings.Service
}

// SetupRoutes registers the public generation surface, the task polling
// endpoints and the admin surface.
func SetupRoutes(app *fiber.App, h Handlers) {
	app.Get("/health", h.Health.HealthCheck)

	v1 := app.Group("/v1", APIKeyAuth(h.Settings))
	v1.Get("/models", h.Tasks.ListModels)
	v1.Get("/tasks/:task_id", h.Tasks.GetTask)

	images := v1.Group("/images")
	images.Post("/generate", h.Generation.ImageGenerate)
	images.Post("/transform", h.Generation.ImageTransform)

	videos := v1.Group("/videos")
	videos.Post("/generate", h.Generation.VideoGenerate)
	videos.Post("/transform", h.Generation.VideoTransform)
	videos.Post("/remix", h.Generation.VideoRemix)

	admin := app.Group("/admin", AdminAuth(h.Settings))
	admin.Get("/credentials", h.Admin.ListCredentials)
	admin.Post("/credentials", h.Admin.CreateCredential)
	admin.Get("/credentials/:id", h.Admin.GetCredential)
	admin.Put("/credentials/:id", h.Admin.UpdateCredential)
	admin.Delete("/credentials/:id", h.Admin.DeleteCredential)
	admin.Post("/credentials/:id/active", h.Admin.SetCredentialActive)
	admin.Post("/credentials/:id/clear-cooldown", h.Admin.ClearCooldown)
	admin.Post("/credentials/:id/clear-expired", h.Admin.ClearExpired)
	admin.Post("/credentials/:id/quota", h.Admin.SetQuota)
	admin.Get("/credentials/:id/stats", h.Admin.GetCredentialStats)

	admin.Get("/tasks", h.Admin.ListTasks)
	admin.Get("/logs", h.Admin.ListRequestLogs)
	admin.Delete("/logs", h.Admin.ClearRequestLogs)

	admin.Get("/config", h.Admin.GetConfig)
	admin.Put("/config/admin", h.Admin.UpdateAdminConfig)
	admin.Put("/config/cache", h.Admin.UpdateCacheConfig)
	admin.Put("/config/generation", h.Admin.UpdateGenerationConfig)
	admin.Delete("/cache", h.Admin.ClearResultCache)
}
