package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/creativepool/sora-relay/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"golang.org/x/time/rate"
)

// Executor runs one generation against the upstream service using the
// given credential. onProgress is invoked with coarse progress in
// [0,100] as the upstream reports it; implementations call it from the
// polling goroutine only.
type Executor interface {
	Execute(ctx context.Context, cred models.Credential, req models.GenerationRequest, onProgress func(float64)) ([]string, error)
}

// Client talks to the upstream generation backend. Submissions are paced
// by a shared rate limiter; polling reuses one HTTP client per proxy so
// connections are pooled across requests.
type Client struct {
	baseURL      string
	limiter      *rate.Limiter
	pollInterval time.Duration

	direct *http.Client

	mu      sync.Mutex
	proxied map[string]*http.Client
}

func NewClient(cfg models.UpstreamConfig) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	poll := time.Duration(cfg.PollInterval) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		limiter:      rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		pollInterval: poll,
		direct:       &http.Client{Timeout: 60 * time.Second},
		proxied:      make(map[string]*http.Client),
	}
}

type submitPayload struct {
	Model         string `json:"model"`
	Prompt        string `json:"prompt"`
	Image         string `json:"image,omitempty"`
	Video         string `json:"video,omitempty"`
	RemixTargetID string `json:"remix_target_id,omitempty"`
	Operation     string `json:"operation"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type pollResponse struct {
	Status     string   `json:"status"`
	Progress   float64  `json:"progress"`
	ResultURLs []string `json:"result_urls"`
	Error      string   `json:"error"`
}

// Execute submits the generation, then polls until the upstream reports
// a terminal state or ctx expires. A ctx deadline maps to a timeout
// error so the health layer counts it as a failure.
func (c *Client) Execute(ctx context.Context, cred models.Credential, req models.GenerationRequest, onProgress func(float64)) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, wrapCtxErr(err)
	}

	httpClient, err := c.clientFor(cred)
	if err != nil {
		return nil, err
	}

	id, err := c.submit(ctx, httpClient, cred, req)
	if err != nil {
		return nil, err
	}
	fiberlog.Debugf("Executor: upstream generation %s submitted with credential %d", id, cred.ID)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, wrapCtxErr(ctx.Err())
		case <-ticker.C:
		}

		poll, err := c.poll(ctx, httpClient, cred, id)
		if err != nil {
			return nil, err
		}

		if onProgress != nil {
			onProgress(poll.Progress)
		}

		switch poll.Status {
		case "succeeded", "completed":
			if len(poll.ResultURLs) == 0 {
				return nil, models.NewUpstreamError(http.StatusBadGateway, "upstream completed without results", nil)
			}
			return poll.ResultURLs, nil
		case "failed", "rejected":
			msg := poll.Error
			if msg == "" {
				msg = "upstream generation failed"
			}
			return nil, models.NewUpstreamError(http.StatusBadGateway, msg, nil)
		}
	}
}

func (c *Client) submit(ctx context.Context, httpClient *http.Client, cred models.Credential, req models.GenerationRequest) (string, error) {
	body, err := json.Marshal(submitPayload{
		Model:         req.Model,
		Prompt:        req.Prompt,
		Image:         req.Image,
		Video:         req.Video,
		RemixTargetID: req.RemixTargetID,
		Operation:     req.Operation,
	})
	if err != nil {
		return "", models.NewInternalError("failed to encode upstream request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generations", bytes.NewReader(body))
	if err != nil {
		return "", models.NewInternalError("failed to build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return "", wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", upstreamStatusError(resp)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", models.NewUpstreamError(http.StatusBadGateway, "malformed upstream submit response", err)
	}
	if out.ID == "" {
		return "", models.NewUpstreamError(http.StatusBadGateway, "upstream submit returned no generation id", nil)
	}
	return out.ID, nil
}

func (c *Client) poll(ctx context.Context, httpClient *http.Client, cred models.Credential, id string) (*pollResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/generations/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, models.NewInternalError("failed to build upstream poll request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamStatusError(resp)
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, models.NewUpstreamError(http.StatusBadGateway, "malformed upstream poll response", err)
	}
	return &out, nil
}

// clientFor returns an HTTP client routed through the credential's proxy
// when one is configured. Clients are cached per proxy URL.
func (c *Client) clientFor(cred models.Credential) (*http.Client, error) {
	if cred.ProxyURL == nil || *cred.ProxyURL == "" {
		return c.direct, nil
	}
	proxy := *cred.ProxyURL

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.proxied[proxy]; ok {
		return cached, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, models.NewValidationError(fmt.Sprintf("invalid proxy url for credential %d", cred.ID), err)
	}
	client := &http.Client{
		Timeout:   60 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	c.proxied[proxy] = client
	return client, nil
}

func upstreamStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("upstream returned status %d", resp.StatusCode)
	if len(raw) > 0 {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &e) == nil {
			if e.Error != "" {
				msg = e.Error
			} else if e.Message != "" {
				msg = e.Message
			}
		}
	}
	return models.NewUpstreamError(resp.StatusCode, msg, nil)
}

func wrapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewTimeoutError("generation", err)
	}
	return models.NewInternalError("generation cancelled", err)
}

func wrapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewTimeoutError("generation", err)
	}
	return models.NewUpstreamError(http.StatusBadGateway, "upstream request failed", err)
}
