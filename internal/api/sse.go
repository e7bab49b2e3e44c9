package api

import (
	"bufio"
	"context"
	"encoding/json"
	"time"

	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/orchestrator"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

const ssePollInterval = time.Second

// streamTask writes task progress as SSE events until the task reaches
// a terminal state or the client disconnects. The task itself keeps
// running server-side after a disconnect; the client can re-attach by
// polling the task endpoint.
func streamTask(c *fiber.Ctx, orch *orchestrator.Orchestrator, handle *orchestrator.Handle) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	reqCtx := c.Context()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		writeTaskStream(reqCtx, w, orch, handle)
	})
	return nil
}

func writeTaskStream(reqCtx *fasthttp.RequestCtx, w *bufio.Writer, orch *orchestrator.Orchestrator, handle *orchestrator.Handle) {
	ticker := time.NewTicker(ssePollInterval)
	defer ticker.Stop()

	var lastProgress float64 = -1

	for {
		select {
		case <-reqCtx.Done():
			fiberlog.Debugf("SSE: client disconnected from task %s", handle.TaskID)
			return
		case <-handle.Done():
			status, err := orch.GetStatus(context.Background(), handle.TaskID)
			if err != nil {
				writeEvent(w, fiber.Map{"task_id": handle.TaskID, "status": "failed", "error": err.Error()})
			} else {
				writeEvent(w, status)
			}
			w.WriteString("data: [DONE]\n\n") //nolint:errcheck
			w.Flush()                         //nolint:errcheck
			return
		case <-ticker.C:
			status, err := orch.GetStatus(context.Background(), handle.TaskID)
			if err != nil {
				continue
			}
			if status.Progress == lastProgress && status.Status == string(models.TaskProcessing) {
				continue
			}
			lastProgress = status.Progress
			if !writeEvent(w, status) {
				return
			}
			if status.Status != string(models.TaskProcessing) {
				w.WriteString("data: [DONE]\n\n") //nolint:errcheck
				w.Flush()                         //nolint:errcheck
				return
			}
		}
	}
}

// writeEvent serializes one SSE data frame through the shared buffer
// pool. Returns false when the connection is gone.
func writeEvent(w *bufio.Writer, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		fiberlog.Errorf("SSE: failed to encode event: %v", err)
		return true
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString("data: ") //nolint:errcheck
	buf.Write(raw)            //nolint:errcheck
	buf.WriteString("\n\n")   //nolint:errcheck

	if _, err := w.Write(buf.Bytes()); err != nil {
		return false
	}
	if err := w.Flush(); err != nil {
		return false
	}
	return true
}
