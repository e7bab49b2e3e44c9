package models

// GenerationRequest is the internal, transport-independent shape handed
// to the orchestrator. Media payloads are raw base64 with any data-URI
// prefix already stripped by the request layer.
type GenerationRequest struct {
	Model         string
	Capability    Capability
	Tier          Tier
	Prompt        string
	Image         string
	Video         string
	RemixTargetID string
	Style         string
	Operation     string
}

// Public request bodies. Every endpoint accepts stream (SSE progress)
// and async_mode (immediate task_id) flags.

type ImageGenerateRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
	Stream    bool   `json:"stream"`
	AsyncMode bool   `json:"async_mode"`
}

type ImageTransformRequest struct {
	Prompt    string `json:"prompt"`
	Image     string `json:"image"`
	Model     string `json:"model"`
	Stream    bool   `json:"stream"`
	AsyncMode bool   `json:"async_mode"`
}

type VideoGenerateRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
	Style     string `json:"style,omitempty"`
	Stream    bool   `json:"stream"`
	AsyncMode bool   `json:"async_mode"`
}

type VideoTransformRequest struct {
	Prompt    string `json:"prompt"`
	Image     string `json:"image"`
	Model     string `json:"model"`
	Style     string `json:"style,omitempty"`
	Stream    bool   `json:"stream"`
	AsyncMode bool   `json:"async_mode"`
}

type VideoRemixRequest struct {
	Prompt        string `json:"prompt"`
	RemixTargetID string `json:"remix_target_id"`
	Model         string `json:"model"`
	Style         string `json:"style,omitempty"`
	Stream        bool   `json:"stream"`
	AsyncMode     bool   `json:"async_mode"`
}

// TaskSubmittedResponse is returned for async_mode submissions.
type TaskSubmittedResponse struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// GenerationResponse is the terminal payload for synchronous callers.
type GenerationResponse struct {
	TaskID     string   `json:"task_id"`
	Model      string   `json:"model"`
	Created    int64    `json:"created"`
	ResultURLs []string `json:"result_urls"`
}
