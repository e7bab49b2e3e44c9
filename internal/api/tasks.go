package api

import (
	"sort"

	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/orchestrator"

	"github.com/gofiber/fiber/v2"
)

// TaskHandler serves the task polling endpoint and the model catalog.
type TaskHandler struct {
	orch *orchestrator.Orchestrator
}

func NewTaskHandler(orch *orchestrator.Orchestrator) *TaskHandler {
	return &TaskHandler{orch: orch}
}

func (h *TaskHandler) GetTask(c *fiber.Ctx) error {
	taskID := c.Params("task_id")
	if taskID == "" {
		return models.NewValidationError("task_id is required", nil)
	}

	status, err := h.orch.GetStatus(c.UserContext(), taskID)
	if err != nil {
		return err
	}
	return c.JSON(status)
}

// ListModels returns the catalog in the OpenAI-compatible list shape.
func (h *TaskHandler) ListModels(c *fiber.Ctx) error {
	ids := make([]string, 0, len(models.ModelCatalog))
	for id := range models.ModelCatalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data := make([]fiber.Map, 0, len(ids))
	for _, id := range ids {
		info := models.ModelCatalog[id]
		entry := fiber.Map{
			"id":         id,
			"object":     "model",
			"owned_by":   "sora-relay",
			"capability": string(info.Capability),
		}
		if info.Orientation != "" {
			entry["orientation"] = info.Orientation
		}
		if info.DurationSecs > 0 {
			entry["duration_seconds"] = info.DurationSecs
		}
		if info.RequiredTier == models.TierPro {
			entry["required_plan"] = "pro"
		}
		data = append(data, entry)
	}
	return c.JSON(fiber.Map{
		"object": "list",
		"data":   data,
	})
}
