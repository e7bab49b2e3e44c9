package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/admission"
	"github.com/creativepool/sora-relay/internal/services/executor"
	"github.com/creativepool/sora-relay/internal/services/health"
	"github.com/creativepool/sora-relay/internal/services/requestlog"
	"github.com/creativepool/sora-relay/internal/services/resultcache"
	"github.com/creativepool/sora-relay/internal/services/settings"
	"github.com/creativepool/sora-relay/internal/services/task"

	"github.com/google/uuid"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Orchestrator drives a generation from admission to terminal state.
// Execution is detached from the caller's connection: once a task is
// submitted it runs to completion under its own capability deadline,
// and synchronous or streaming callers observe it through the handle
// or by polling.
type Orchestrator struct {
	scheduler *admission.Scheduler
	executor  executor.Executor
	tasks     *task.Service
	logs      *requestlog.Service
	cache     *resultcache.Service
	health    *health.Monitor
	settings  *settings.Service
}

// Handle is the caller's view of one submitted task. done closes when
// the task reaches a terminal state; Wait and the SSE writer block on
// it, async callers just keep the TaskID.
type Handle struct {
	TaskID string
	Cached bool

	done chan struct{}
	urls []string
	err  error
}

// Wait blocks until the task finishes or ctx expires. On ctx expiry the
// task keeps running; the caller can still poll it later.
func (h *Handle) Wait(ctx context.Context) ([]string, error) {
	select {
	case <-h.done:
		return h.urls, h.err
	case <-ctx.Done():
		return nil, models.NewTimeoutError("wait", ctx.Err())
	}
}

// Done exposes the completion channel for select-based consumers.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func New(
	scheduler *admission.Scheduler,
	exec executor.Executor,
	tasks *task.Service,
	logs *requestlog.Service,
	cache *resultcache.Service,
	healthMonitor *health.Monitor,
	settingsService *settings.Service,
) *Orchestrator {
	return &Orchestrator{
		scheduler: scheduler,
		executor:  exec,
		tasks:     tasks,
		logs:      logs,
		cache:     cache,
		health:    healthMonitor,
		settings:  settingsService,
	}
}

// Submit admits the request, creates the task record and starts
// execution. A cache hit returns an already-completed handle without
// consuming a slot or touching quota or stats. ErrNoAvailableCredential
// is returned before any task row exists.
func (o *Orchestrator) Submit(ctx context.Context, req models.GenerationRequest) (*Handle, error) {
	fingerprint := resultcache.Fingerprint(req)

	if urls, ok := o.cache.Lookup(ctx, fingerprint); ok {
		taskID := uuid.NewString()
		if _, err := o.tasks.CreateCompleted(ctx, taskID, req.Model, req.Prompt, urls); err != nil {
			return nil, err
		}
		fiberlog.Infof("Orchestrator: task %s served from result cache (%s)", taskID, req.Operation)
		h := &Handle{TaskID: taskID, Cached: true, done: make(chan struct{}), urls: urls}
		close(h.done)
		return h, nil
	}

	acq, err := o.scheduler.Acquire(ctx, req.Capability, req.Tier)
	if err != nil {
		if models.IsNoCredential(err) {
			if logID, logErr := o.logs.Begin(ctx, nil, nil, req.Operation); logErr == nil {
				_ = o.logs.Finish(ctx, logID, http.StatusServiceUnavailable, 0)
			}
		}
		return nil, err
	}

	taskID := uuid.NewString()
	credentialID := acq.Credential.ID
	if _, err := o.tasks.Create(ctx, taskID, req.Model, req.Prompt, &credentialID); err != nil {
		acq.Release()
		return nil, err
	}

	logID, err := o.logs.Begin(ctx, &credentialID, &taskID, req.Operation)
	if err != nil {
		fiberlog.Errorf("Orchestrator: failed to open request log for task %s: %v", taskID, err)
	}

	policy := o.settings.Current().CapabilityPolicyFor(req.Capability)

	h := &Handle{TaskID: taskID, done: make(chan struct{})}
	go o.run(h, acq, req, fingerprint, logID, policy.Timeout)

	fiberlog.Infof("Orchestrator: task %s started on credential %d (%s, timeout %s)",
		taskID, credentialID, req.Operation, policy.Timeout)
	return h, nil
}

// run executes the task to its terminal state. It owns the slot: the
// deferred release pairs with the acquire in Submit regardless of how
// execution ends.
func (o *Orchestrator) run(h *Handle, acq *admission.Acquisition, req models.GenerationRequest, fingerprint string, logID uint, timeout time.Duration) {
	defer acq.Release()
	defer close(h.done)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	started := time.Now()
	urls, err := o.executor.Execute(ctx, acq.Credential, req, func(progress float64) {
		if upErr := o.tasks.UpdateProgress(context.Background(), h.TaskID, progress); upErr != nil {
			fiberlog.Errorf("Orchestrator: failed to update progress for task %s: %v", h.TaskID, upErr)
		}
	})
	duration := time.Since(started)

	// Finalization happens against a background context: the task must
	// reach a terminal state even though the execution deadline fired.
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finalCancel()

	if err != nil {
		statusCode := models.UpstreamStatusCode(err)
		h.err = err

		if failErr := o.tasks.Fail(finalCtx, h.TaskID, err.Error()); failErr != nil {
			fiberlog.Errorf("Orchestrator: failed to finalize task %s: %v", h.TaskID, failErr)
		}
		o.finishLog(finalCtx, logID, statusCode, duration)
		o.recordOutcome(finalCtx, acq.Credential.ID, req.Capability, health.Outcome{
			StatusCode: statusCode,
			Timeout:    isTimeout(err),
		})
		fiberlog.Warnf("Orchestrator: task %s failed after %s: %v", h.TaskID, duration.Round(time.Millisecond), err)
		return
	}

	h.urls = urls
	if compErr := o.tasks.Complete(finalCtx, h.TaskID, urls); compErr != nil {
		fiberlog.Errorf("Orchestrator: failed to finalize task %s: %v", h.TaskID, compErr)
	}
	o.cache.Insert(finalCtx, fingerprint, urls)
	o.finishLog(finalCtx, logID, http.StatusOK, duration)
	o.recordOutcome(finalCtx, acq.Credential.ID, req.Capability, health.Outcome{Success: true, StatusCode: http.StatusOK})
	fiberlog.Infof("Orchestrator: task %s completed in %s with %d result(s)", h.TaskID, duration.Round(time.Millisecond), len(urls))
}

func (o *Orchestrator) finishLog(ctx context.Context, logID uint, statusCode int, duration time.Duration) {
	if logID == 0 {
		return
	}
	if err := o.logs.Finish(ctx, logID, statusCode, duration); err != nil {
		fiberlog.Errorf("Orchestrator: failed to finish request log %d: %v", logID, err)
	}
}

func (o *Orchestrator) recordOutcome(ctx context.Context, credentialID uint, capability models.Capability, outcome health.Outcome) {
	if err := o.health.RecordOutcome(ctx, credentialID, capability, outcome); err != nil {
		fiberlog.Errorf("Orchestrator: failed to record outcome for credential %d: %v", credentialID, err)
	}
}

// GetStatus returns the polling view of a task.
func (o *Orchestrator) GetStatus(ctx context.Context, taskID string) (*models.TaskStatusResponse, error) {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	resp := models.NewTaskStatusResponse(t)
	return &resp, nil
}

func isTimeout(err error) bool {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr.Type == models.ErrorTypeTimeout
	}
	return false
}
