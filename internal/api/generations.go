package api

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/orchestrator"

	"github.com/gofiber/fiber/v2"
)

const (
	defaultImageModel = "gpt-image"
	defaultVideoModel = "sora2-landscape-10s"
)

// remixIDPattern matches a generation share id either raw or embedded in
// a share URL.
var remixIDPattern = regexp.MustCompile(`s_[a-f0-9]{32}`)

// stylePrefixes maps the accepted style names to the prompt prefix sent
// upstream.
var stylePrefixes = map[string]string{
	"anime":      "In anime style: ",
	"cartoon":    "In cartoon style: ",
	"cyberpunk":  "In cyberpunk style: ",
	"watercolor": "In watercolor painting style: ",
	"realistic":  "In photorealistic style: ",
	"vintage":    "In vintage film style: ",
}

// GenerationHandler serves the public generation endpoints.
type GenerationHandler struct {
	orch *orchestrator.Orchestrator
}

func NewGenerationHandler(orch *orchestrator.Orchestrator) *GenerationHandler {
	return &GenerationHandler{orch: orch}
}

func (h *GenerationHandler) ImageGenerate(c *fiber.Ctx) error {
	var body models.ImageGenerateRequest
	if err := c.BodyParser(&body); err != nil {
		return models.NewValidationError("invalid request body", err)
	}

	req, err := buildRequest("image_generate", models.CapabilityImage, body.Model, defaultImageModel, body.Prompt, "")
	if err != nil {
		return err
	}
	return h.respond(c, req, body.Stream, body.AsyncMode)
}

func (h *GenerationHandler) ImageTransform(c *fiber.Ctx) error {
	var body models.ImageTransformRequest
	if err := c.BodyParser(&body); err != nil {
		return models.NewValidationError("invalid request body", err)
	}
	if body.Image == "" {
		return models.NewValidationError("image is required", nil)
	}

	req, err := buildRequest("image_transform", models.CapabilityImage, body.Model, defaultImageModel, body.Prompt, "")
	if err != nil {
		return err
	}
	req.Image = stripDataURI(body.Image)
	return h.respond(c, req, body.Stream, body.AsyncMode)
}

func (h *GenerationHandler) VideoGenerate(c *fiber.Ctx) error {
	var body models.VideoGenerateRequest
	if err := c.BodyParser(&body); err != nil {
		return models.NewValidationError("invalid request body", err)
	}

	req, err := buildRequest("video_generate", models.CapabilityVideo, body.Model, defaultVideoModel, body.Prompt, body.Style)
	if err != nil {
		return err
	}
	return h.respond(c, req, body.Stream, body.AsyncMode)
}

func (h *GenerationHandler) VideoTransform(c *fiber.Ctx) error {
	var body models.VideoTransformRequest
	if err := c.BodyParser(&body); err != nil {
		return models.NewValidationError("invalid request body", err)
	}
	if body.Image == "" {
		return models.NewValidationError("image is required", nil)
	}

	req, err := buildRequest("video_transform", models.CapabilityVideo, body.Model, defaultVideoModel, body.Prompt, body.Style)
	if err != nil {
		return err
	}
	req.Image = stripDataURI(body.Image)
	return h.respond(c, req, body.Stream, body.AsyncMode)
}

func (h *GenerationHandler) VideoRemix(c *fiber.Ctx) error {
	var body models.VideoRemixRequest
	if err := c.BodyParser(&body); err != nil {
		return models.NewValidationError("invalid request body", err)
	}

	// The id may arrive in its own field, pasted as a share URL, or
	// embedded in the prompt text.
	remixID := remixIDPattern.FindString(body.RemixTargetID)
	if remixID == "" {
		remixID = remixIDPattern.FindString(body.Prompt)
	}
	if remixID == "" {
		return models.NewValidationError("remix_target_id must contain a generation id (s_...)", nil)
	}

	req, err := buildRequest("video_remix", models.CapabilityVideo, body.Model, defaultVideoModel, body.Prompt, body.Style)
	if err != nil {
		return err
	}
	req.RemixTargetID = remixID
	return h.respond(c, req, body.Stream, body.AsyncMode)
}

// respond submits the request and answers in whichever of the three
// modes the caller picked. async_mode wins over stream when both are
// set.
func (h *GenerationHandler) respond(c *fiber.Ctx, req models.GenerationRequest, stream, asyncMode bool) error {
	handle, err := h.orch.Submit(c.UserContext(), req)
	if err != nil {
		return err
	}

	if asyncMode {
		status := string(models.TaskProcessing)
		if handle.Cached {
			status = string(models.TaskCompleted)
		}
		return c.Status(fiber.StatusAccepted).JSON(models.TaskSubmittedResponse{
			TaskID:   handle.TaskID,
			TaskType: req.Operation,
			Status:   status,
			Message:  fmt.Sprintf("task submitted, poll /v1/tasks/%s for status", handle.TaskID),
		})
	}

	if stream {
		return streamTask(c, h.orch, handle)
	}

	urls, err := handle.Wait(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(models.GenerationResponse{
		TaskID:     handle.TaskID,
		Model:      req.Model,
		Created:    time.Now().Unix(),
		ResultURLs: urls,
	})
}

// buildRequest validates prompt, model and style and assembles the
// internal request shape.
func buildRequest(operation string, capability models.Capability, modelID, defaultModel, prompt, style string) (models.GenerationRequest, error) {
	if strings.TrimSpace(prompt) == "" {
		return models.GenerationRequest{}, models.NewValidationError("prompt is required", nil)
	}

	if modelID == "" {
		modelID = defaultModel
	}
	info, ok := models.LookupModel(modelID)
	if !ok {
		return models.GenerationRequest{}, models.NewValidationError(fmt.Sprintf("unknown model %q", modelID), nil)
	}
	if info.Capability != capability {
		return models.GenerationRequest{}, models.NewValidationError(
			fmt.Sprintf("model %q is a %s model, not usable for %s", modelID, info.Capability, capability), nil)
	}

	if style != "" {
		prefix, ok := stylePrefixes[strings.ToLower(style)]
		if !ok {
			return models.GenerationRequest{}, models.NewValidationError(fmt.Sprintf("unknown style %q", style), nil)
		}
		prompt = prefix + prompt
	}

	return models.GenerationRequest{
		Model:      info.ID,
		Capability: capability,
		Tier:       info.RequiredTier,
		Prompt:     prompt,
		Style:      strings.ToLower(style),
		Operation:  operation,
	}, nil
}

// stripDataURI removes a data-URI header, keeping the raw base64
// payload.
func stripDataURI(s string) string {
	if strings.HasPrefix(s, "data:") {
		if _, rest, ok := strings.Cut(s, ","); ok {
			return rest
		}
	}
	return s
}
