// Package gate admits recording jobs. It owns the single recording-capability
// instance, a two-tier concurrency limiter, and the in-flight job table.
// Admission is the only path to the capability; nothing records around it.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"castmon/internal/logging"
	"castmon/internal/session"
	"castmon/internal/target"
)

// Error classifications surfaced by StartRecord.
const (
	ReasonShutdown          = "shutdown-in-progress"
	ReasonLoginFailed       = "login-required-failed"
	ReasonFacadeUnavailable = "facade-unavailable"
	ReasonAdmissionTimeout  = "max-concurrent-timeout"
	ReasonInvalidTarget     = "invalid-target-format"
)

// loginCheckInterval is how stale a login verdict may be before a
// non-forced admission re-checks it.
const loginCheckInterval = 5 * time.Minute

// CaptureResult is what the recording capability reports back.
type CaptureResult struct {
	Success     bool
	OutputFiles []string
	PlaylistURL string
	Error       string
}

// Facade is the external recording capability. Construction and
// initialization are split: construction must be cheap and synchronous,
// initialization may do real work and may fail retryably.
type Facade interface {
	Initialize(ctx context.Context) error
	Record(ctx context.Context, url string, duration time.Duration) (*CaptureResult, error)
	Close() error
}

// SessionControl is the slice of the session manager the gate needs for
// login assurance.
type SessionControl interface {
	CheckStatus() session.LoginState
	RunLoginWizard(ctx context.Context, timeout time.Duration) error
}

// Request describes one admission attempt.
type Request struct {
	Target          string
	HintURL         string
	Duration        time.Duration
	JobID           string
	ForceLoginCheck bool
	Metadata        map[string]string
}

// Result is the outcome of one admission attempt. Reason is empty on
// success and one of the classification strings otherwise.
type Result struct {
	OK          bool          `json:"ok"`
	JobID       string        `json:"job_id"`
	Reason      string        `json:"reason,omitempty"`
	Target      string        `json:"target"`
	URL         string        `json:"url,omitempty"`
	OutputFiles []string      `json:"output_files,omitempty"`
	PlaylistURL string        `json:"m3u8,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Job is the bookkeeping record for one in-flight recording. It exists only
// between admission and return of the same StartRecord call.
type Job struct {
	ID        string            `json:"job_id"`
	Target    string            `json:"target"`
	URL       string            `json:"url"`
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Gate serializes admission and bounds concurrent recordings. The outer
// tier (capacity 1) protects the admission bookkeeping itself; the inner
// tier (capacity maxConcurrent) bounds simultaneous captures.
type Gate struct {
	maxConcurrent int
	outer         *semaphore.Weighted
	inner         *semaphore.Weighted
	admitTimeout  time.Duration
	wizardTimeout time.Duration

	log      *zap.Logger
	events   *logging.EventLog
	sessions SessionControl

	newFacade func() (Facade, error)

	// facadeMu spans construction only; initMu spans initialization.
	facadeMu    sync.Mutex
	facade      Facade
	initMu      sync.Mutex
	initialized bool

	mu             sync.Mutex
	jobs           map[string]*Job
	shutdown       bool
	lastLoginCheck time.Time

	now func() time.Time
}

// New creates a gate. newFacade is called lazily on first admission;
// sessions may be nil, which disables login assurance.
func New(maxConcurrent int, newFacade func() (Facade, error), sessions SessionControl, log *zap.Logger, events *logging.EventLog) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		maxConcurrent: maxConcurrent,
		outer:         semaphore.NewWeighted(1),
		inner:         semaphore.NewWeighted(int64(maxConcurrent)),
		admitTimeout:  30 * time.Second,
		wizardTimeout: 180 * time.Second,
		log:           log,
		events:        events,
		sessions:      sessions,
		newFacade:     newFacade,
		jobs:          make(map[string]*Job),
		now:           time.Now,
	}
}

// StartRecord runs the full admission flow for one target and blocks until
// the recording finishes or is rejected. Every exit path, including panics
// out of the capability, releases whatever permits were acquired and drops
// the job record.
func (g *Gate) StartRecord(ctx context.Context, req Request) (res Result) {
	start := g.now()
	jobID := req.JobID
	if jobID == "" {
		jobID = fmt.Sprintf("%s_%d", target.SafeID(req.Target), start.UnixMilli())
	}
	fail := func(reason string) Result {
		return Result{JobID: jobID, Reason: reason, Target: req.Target, Elapsed: g.now().Sub(start)}
	}

	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		g.events.Append("admission_rejected", map[string]any{"job_id": jobID, "reason": ReasonShutdown})
		return fail(ReasonShutdown)
	}
	g.mu.Unlock()

	g.events.Append("start_request", map[string]any{
		"job_id": jobID, "target": req.Target, "max_concurrent": g.maxConcurrent,
	})

	facade, err := g.ensureFacade(ctx)
	if err != nil {
		g.log.Error("recording capability unavailable", zap.Error(err))
		g.events.Append("facade_error", map[string]any{"job_id": jobID, "error": err.Error()})
		return fail(ReasonFacadeUnavailable)
	}

	admitCtx, cancel := context.WithTimeout(ctx, g.admitTimeout)
	defer cancel()

	if err := g.outer.Acquire(admitCtx, 1); err != nil {
		g.events.Append("admission_timeout", map[string]any{"job_id": jobID, "tier": "outer"})
		return fail(ReasonAdmissionTimeout)
	}
	outerHeld := true
	innerHeld := false
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("recording capability panicked", zap.Any("panic", r), zap.String("job_id", jobID))
			g.events.Append("unexpected_error", map[string]any{"job_id": jobID, "error": fmt.Sprint(r)})
			res = fail(fmt.Sprintf("exception:%v", r))
		}
		g.removeJob(jobID)
		if innerHeld {
			g.inner.Release(1)
		}
		if outerHeld {
			g.outer.Release(1)
		}
	}()

	if err := g.inner.Acquire(admitCtx, 1); err != nil {
		g.events.Append("admission_timeout", map[string]any{"job_id": jobID, "tier": "inner"})
		return fail(ReasonAdmissionTimeout)
	}
	innerHeld = true

	// Shutdown can drain the pool and close the capability while this
	// admission is blocked in initialization or on a permit; past this
	// point the capability is guaranteed open until the permit is released.
	g.mu.Lock()
	stopped := g.shutdown
	g.mu.Unlock()
	if stopped {
		g.events.Append("admission_rejected", map[string]any{"job_id": jobID, "reason": ReasonShutdown})
		return fail(ReasonShutdown)
	}

	if g.loginCheckDue(req.ForceLoginCheck) {
		if err := g.EnsureLogin(ctx, false); err != nil {
			g.events.Append("login_failed", map[string]any{"job_id": jobID, "error": err.Error()})
			return fail(ReasonLoginFailed)
		}
	}

	url, err := target.BuildURL(req.Target, req.HintURL)
	if err != nil {
		g.events.Append("url_build_failed", map[string]any{"job_id": jobID, "target": req.Target})
		return fail(ReasonInvalidTarget)
	}

	g.registerJob(&Job{
		ID:        jobID,
		Target:    req.Target,
		URL:       url,
		Status:    "running",
		StartedAt: start,
		Duration:  req.Duration,
		Metadata:  req.Metadata,
	})
	g.log.Info("recording admitted",
		zap.String("job_id", jobID), zap.String("url", url),
		zap.Int("active", g.ActiveJobs()), zap.Int("max", g.maxConcurrent))

	// Bookkeeping is done; only the pool permit outlives admission. Holding
	// the outer gate across the capture would serialize recordings.
	g.outer.Release(1)
	outerHeld = false

	capture, err := facade.Record(ctx, url, req.Duration)
	elapsed := g.now().Sub(start)
	if err != nil {
		g.events.Append("unexpected_error", map[string]any{"job_id": jobID, "error": err.Error()})
		return fail(fmt.Sprintf("exception:%s", err.Error()))
	}
	if !capture.Success {
		reason := capture.Error
		if reason == "" {
			reason = "unknown-error"
		}
		g.events.Append("recording_failed", map[string]any{
			"job_id": jobID, "error": reason, "elapsed_sec": elapsed.Seconds(),
		})
		return Result{JobID: jobID, Reason: reason, Target: req.Target, URL: url, Elapsed: elapsed}
	}

	g.events.Append("recording_complete", map[string]any{
		"job_id": jobID, "elapsed_sec": elapsed.Seconds(), "output_files": capture.OutputFiles,
	})
	return Result{
		OK:          true,
		JobID:       jobID,
		Target:      req.Target,
		URL:         url,
		OutputFiles: capture.OutputFiles,
		PlaylistURL: capture.PlaylistURL,
		Elapsed:     elapsed,
	}
}

// ensureFacade constructs the singleton at most once and initializes it
// idempotently. A failed initialization leaves the instance constructed but
// uninitialized, so the next caller retries instead of inheriting a stuck
// half-initialized singleton.
func (g *Gate) ensureFacade(ctx context.Context) (Facade, error) {
	g.facadeMu.Lock()
	if g.facade == nil {
		f, err := g.newFacade()
		if err != nil {
			g.facadeMu.Unlock()
			return nil, fmt.Errorf("failed to construct recording capability: %w", err)
		}
		g.facade = f
		g.events.Append("recorder_constructed", nil)
	}
	f := g.facade
	g.facadeMu.Unlock()

	g.initMu.Lock()
	defer g.initMu.Unlock()
	if !g.initialized {
		if err := f.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize recording capability: %w", err)
		}
		g.initialized = true
		g.events.Append("recorder_initialized", nil)
	}
	return f, nil
}

func (g *Gate) loginCheckDue(force bool) bool {
	if g.sessions == nil {
		return false
	}
	if force {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Sub(g.lastLoginCheck) > loginCheckInterval
}

// EnsureLogin brings the session to strong login. Non-forced calls accept an
// already-strong status; forced calls always run the wizard.
func (g *Gate) EnsureLogin(ctx context.Context, force bool) error {
	if g.sessions == nil {
		return nil
	}
	if !force {
		if g.sessions.CheckStatus() == session.StateStrong {
			g.markLoginChecked()
			return nil
		}
	}

	g.events.Append("login_required", map[string]any{"forced": force})
	if err := g.sessions.RunLoginWizard(ctx, g.wizardTimeout); err != nil {
		return fmt.Errorf("login wizard failed: %w", err)
	}
	if got := g.sessions.CheckStatus(); got != session.StateStrong {
		return fmt.Errorf("login wizard finished but status is %s", got)
	}
	g.markLoginChecked()
	g.events.Append("login_success", nil)
	return nil
}

func (g *Gate) markLoginChecked() {
	g.mu.Lock()
	g.lastLoginCheck = g.now()
	g.mu.Unlock()
}

func (g *Gate) registerJob(j *Job) {
	g.mu.Lock()
	g.jobs[j.ID] = j
	g.mu.Unlock()
}

func (g *Gate) removeJob(id string) {
	g.mu.Lock()
	delete(g.jobs, id)
	g.mu.Unlock()
}

// ActiveJobs returns how many recordings are currently admitted.
func (g *Gate) ActiveJobs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.jobs)
}

// Snapshot returns copies of the in-flight job records.
func (g *Gate) Snapshot() []Job {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Job, 0, len(g.jobs))
	for _, j := range g.jobs {
		out = append(out, *j)
	}
	return out
}

// Status reports gate occupancy for diagnostics.
func (g *Gate) Status() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]any{
		"active_jobs":    len(g.jobs),
		"max_concurrent": g.maxConcurrent,
		"available":      g.maxConcurrent - len(g.jobs),
		"shutting_down":  g.shutdown,
	}
}

// Shutdown blocks new admissions and closes the capability once current
// recordings drain. In-flight jobs are never force-terminated.
func (g *Gate) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return nil
	}
	g.shutdown = true
	g.mu.Unlock()

	g.events.Append("shutdown_started", nil)

	// Draining every inner permit means no capture is still running.
	if err := g.inner.Acquire(ctx, int64(g.maxConcurrent)); err != nil {
		g.events.Append("shutdown_error", map[string]any{"error": err.Error()})
		return fmt.Errorf("shutdown wait aborted: %w", err)
	}
	g.inner.Release(int64(g.maxConcurrent))

	g.facadeMu.Lock()
	f := g.facade
	g.facadeMu.Unlock()
	if f != nil {
		if err := f.Close(); err != nil {
			g.events.Append("shutdown_error", map[string]any{"error": err.Error()})
			return err
		}
	}
	g.events.Append("shutdown_complete", nil)
	return nil
}
