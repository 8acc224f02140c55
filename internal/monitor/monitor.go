// Package monitor runs the timed scan loop: probe every watched target for
// liveness, recover the session when a probe hits an auth wall, reserve
// capacity, and hand live targets to the admission gate.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"castmon/internal/detect"
	"castmon/internal/gate"
	"castmon/internal/logging"
	"castmon/internal/target"
)

// State is the engine lifecycle phase.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// maxAuthRetries bounds forced re-logins per target; past it the target is
// left alone until a probe stops reporting the auth wall.
const maxAuthRetries = 2

// timeoutStreakLimit is how many consecutive probe timeouts the watchdog
// tolerates before treating the session as unhealthy.
const timeoutStreakLimit = 3

// Prober answers whether a target is live.
type Prober interface {
	CheckLive(ctx context.Context, url string) detect.Result
}

// Submitter admits recording jobs. *gate.Gate satisfies it.
type Submitter interface {
	StartRecord(ctx context.Context, req gate.Request) gate.Result
}

// LoginControl triggers session recovery. *gate.Gate satisfies it.
type LoginControl interface {
	EnsureLogin(ctx context.Context, force bool) error
}

// Config carries the engine's timing and capacity knobs.
type Config struct {
	PollInterval     time.Duration
	ProbeTimeout     time.Duration
	SettleDelay      time.Duration
	MaxConcurrent    int
	WatchdogInterval time.Duration
	MaxIdleTime      time.Duration
	StopGrace        time.Duration
	HeartbeatPath    string
	TargetsFile      string
}

// Engine is the poll orchestrator.
type Engine struct {
	cfg    Config
	prober Prober
	gate   Submitter
	login  LoginControl
	log    *zap.Logger
	events *logging.EventLog

	mu             sync.Mutex
	state          State
	targets        []string
	reserved       map[string]bool
	authRetries    map[string]int
	errorCounts    map[string]int
	totalChecks    int
	totalSuccesses int
	totalErrors    int
	recoveryCount  int
	timeoutStreak  int
	lastActivity   time.Time
	stopCh         chan struct{}

	loopDone chan struct{}
	bgWG     sync.WaitGroup // watchdog, heartbeat pulse, targets watcher
	jobWG    sync.WaitGroup // in-flight recording submissions

	now func() time.Time
}

// New creates a stopped engine. Targets are installed with SetTargets.
func New(cfg Config, prober Prober, submitter Submitter, login LoginControl, log *zap.Logger, events *logging.EventLog) *Engine {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:         cfg,
		prober:      prober,
		gate:        submitter,
		login:       login,
		log:         log,
		events:      events,
		state:       StateStopped,
		reserved:    make(map[string]bool),
		authRetries: make(map[string]int),
		errorCounts: make(map[string]int),
		now:         time.Now,
	}
}

// SetTargets replaces the watch list. Entries are canonicalized; spellings
// that cannot be normalized are dropped with a log line.
func (e *Engine) SetTargets(raw []string) {
	var canonical []string
	seen := make(map[string]bool)
	for _, r := range raw {
		u, err := target.Normalize(r)
		if err != nil {
			e.log.Warn("dropping unusable target", zap.String("target", r), zap.Error(err))
			continue
		}
		if !seen[u] {
			seen[u] = true
			canonical = append(canonical, u)
		}
	}
	e.mu.Lock()
	e.targets = canonical
	e.mu.Unlock()
	e.log.Info("watch list updated", zap.Int("targets", len(canonical)))
	e.events.Append("targets_set", map[string]any{"count": len(canonical)})
}

// Targets returns the current canonical watch list.
func (e *Engine) Targets() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.targets))
	copy(out, e.targets)
	return out
}

// State returns the engine lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start brings the engine to RUNNING and launches the scan loop. Calling it
// while already starting or running is a no-op. The initial login assurance
// is best effort: its failure is logged, not fatal.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateRunning || e.state == StateStarting {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStarting
	e.stopCh = make(chan struct{})
	e.loopDone = make(chan struct{})
	e.lastActivity = e.now()
	stop := e.stopCh
	loopDone := e.loopDone
	e.mu.Unlock()

	e.log.Info("starting monitor engine", zap.Duration("poll_interval", e.cfg.PollInterval))

	if e.login != nil {
		if err := e.login.EnsureLogin(ctx, false); err != nil {
			e.log.Warn("initial login assurance failed, monitoring anyway", zap.Error(err))
			e.events.Append("login_error", map[string]any{"error": err.Error()})
		}
	}

	e.mu.Lock()
	if e.state != StateStarting {
		// Stop ran during the login assurance and already forced STOPPED;
		// resurrecting the engine here would leave it running unsupervised.
		// The loop never launched, so its done channel closes here for any
		// Stop still waiting on it.
		e.mu.Unlock()
		close(loopDone)
		e.log.Warn("startup aborted, engine was stopped during login assurance")
		return nil
	}
	e.state = StateRunning
	e.mu.Unlock()
	e.writeHeartbeat()
	e.events.Append("monitor_started", map[string]any{"targets": len(e.Targets())})

	go e.runLoop(ctx, stop)

	e.bgWG.Add(1)
	go e.watchdogLoop(ctx, stop)
	if e.cfg.TargetsFile != "" {
		e.startTargetsWatcher(stop)
	}
	return nil
}

// Stop signals the loop, waits up to the grace period, and forces STOPPED.
// Admitted recordings are never force-terminated; only new scans stop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == StateStopped || e.state == StateStopping {
		e.mu.Unlock()
		return
	}
	e.state = StateStopping
	stop := e.stopCh
	loopDone := e.loopDone
	e.mu.Unlock()

	e.log.Info("stopping monitor engine")
	close(stop)

	bgDone := make(chan struct{})
	go func() {
		e.bgWG.Wait()
		if loopDone != nil {
			<-loopDone
		}
		e.jobWG.Wait()
		close(bgDone)
	}()

	select {
	case <-bgDone:
	case <-time.After(e.cfg.StopGrace):
		e.log.Warn("scan loop did not stop within grace period")
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	e.writeHeartbeat()
	e.events.Append("monitor_stopped", nil)
}

// runLoop is the tick cycle: a stop-or-timer wait, then one sequential scan.
func (e *Engine) runLoop(ctx context.Context, stop <-chan struct{}) {
	defer close(e.loopDone)
	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		e.scanOnce(ctx, stop)
		e.writeHeartbeat()
		timer.Reset(e.cfg.PollInterval)
	}
}

// scanOnce probes every target in list order. A target's recovery flow
// completes before the next target's probe begins.
func (e *Engine) scanOnce(ctx context.Context, stop <-chan struct{}) {
	targets := e.Targets()
	if len(targets) == 0 {
		e.log.Warn("no targets to monitor")
		return
	}

	e.mu.Lock()
	e.totalChecks++
	e.lastActivity = e.now()
	e.mu.Unlock()

	for _, url := range targets {
		select {
		case <-stop:
			return
		default:
		}

		if e.isReserved(url) {
			continue
		}

		res := e.probe(ctx, url)
		if res.Reason == detect.ReasonAuthRequired {
			res = e.recoverAuth(ctx, url, res, stop)
		}
		if !res.IsLive {
			e.noteOffline(url, res)
			continue
		}
		e.submitRecording(ctx, url, res)
	}
}

func (e *Engine) probe(ctx context.Context, url string) detect.Result {
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	res := e.prober.CheckLive(probeCtx, url)
	e.events.Append("detector_result", map[string]any{
		"url": url, "is_live": res.IsLive, "reason": res.Reason, "detail": res.Detail,
	})
	e.mu.Lock()
	if res.Reason == detect.ReasonTimeout || res.Reason == detect.ReasonNetworkError {
		e.totalErrors++
	}
	if res.Reason == detect.ReasonTimeout {
		e.timeoutStreak++
	} else {
		e.timeoutStreak = 0
	}
	e.mu.Unlock()
	return res
}

// recoverAuth handles an auth-walled probe: one forced login, one settle
// delay, one re-probe. No retry chains; past the per-target cap the wall is
// accepted until it clears on its own.
func (e *Engine) recoverAuth(ctx context.Context, url string, res detect.Result, stop <-chan struct{}) detect.Result {
	e.mu.Lock()
	retries := e.authRetries[url]
	if retries >= maxAuthRetries {
		e.mu.Unlock()
		e.log.Warn("auth retry limit reached", zap.String("url", url))
		e.events.Append("auth_required_giveup", map[string]any{"url": url, "retries": retries})
		return res
	}
	e.authRetries[url] = retries + 1
	e.mu.Unlock()

	e.log.Info("auth wall hit, forcing re-login",
		zap.String("url", url), zap.Bool("cookie_incomplete", res.CookieIncomplete))
	e.events.Append("auth_required_relogin", map[string]any{
		"url": url, "retry": retries + 1, "cookie_incomplete": res.CookieIncomplete,
	})

	if e.login == nil {
		return res
	}
	if err := e.login.EnsureLogin(ctx, true); err != nil {
		e.mu.Lock()
		e.errorCounts[url]++
		e.mu.Unlock()
		e.log.Warn("forced re-login failed", zap.String("url", url), zap.Error(err))
		e.events.Append("login_error", map[string]any{"url": url, "error": err.Error()})
		return res
	}

	// Cookie propagation needs a moment before the re-probe.
	select {
	case <-stop:
		return res
	case <-time.After(e.cfg.SettleDelay):
	}
	return e.probe(ctx, url)
}

func (e *Engine) noteOffline(url string, res detect.Result) {
	if res.Reason == detect.ReasonNotLive {
		e.mu.Lock()
		e.errorCounts[url] = 0
		e.authRetries[url] = 0
		e.mu.Unlock()
	}
}

// submitRecording reserves capacity and hands the target to the gate. The
// probe loop moves on while the recording runs; the reservation is released
// when the gate call returns, whatever the outcome.
func (e *Engine) submitRecording(ctx context.Context, url string, res detect.Result) {
	if !e.reserve(url) {
		e.log.Info("capacity full, skipping this tick", zap.String("url", url))
		e.events.Append("capacity_wait", map[string]any{"url": url})
		return
	}

	e.mu.Lock()
	force := e.authRetries[url] > 0
	e.mu.Unlock()

	meta := map[string]string{"reason": res.Reason}
	if res.MovieID != "" {
		meta["movie_id"] = res.MovieID
	}
	if res.Title != "" {
		meta["title"] = res.Title
	}

	e.events.Append("recording_start", map[string]any{"url": url, "movie_id": res.MovieID})

	e.jobWG.Add(1)
	go func() {
		defer e.jobWG.Done()
		defer e.release(url)

		result := e.gate.StartRecord(ctx, gate.Request{
			Target:          url,
			HintURL:         url,
			ForceLoginCheck: force,
			Metadata:        meta,
		})

		e.mu.Lock()
		if result.OK {
			e.totalSuccesses++
			e.errorCounts[url] = 0
			e.authRetries[url] = 0
		} else {
			e.totalErrors++
			e.errorCounts[url]++
		}
		e.mu.Unlock()

		if result.OK {
			e.log.Info("recording finished",
				zap.String("url", url), zap.Int("files", len(result.OutputFiles)))
			e.events.Append("recording_success", map[string]any{"url": url, "files": result.OutputFiles})
		} else {
			e.log.Warn("recording failed", zap.String("url", url), zap.String("reason", result.Reason))
			e.events.Append("recording_error", map[string]any{"url": url, "reason": result.Reason})
		}
		e.writeHeartbeat()
	}()
}

// reserve claims one capacity slot for a target. A target holds at most one
// slot; the slot count never exceeds the concurrency cap.
func (e *Engine) reserve(url string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reserved[url] || len(e.reserved) >= e.cfg.MaxConcurrent {
		return false
	}
	e.reserved[url] = true
	return true
}

func (e *Engine) release(url string) {
	e.mu.Lock()
	delete(e.reserved, url)
	e.mu.Unlock()
}

func (e *Engine) isReserved(url string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reserved[url]
}

// ActiveJobs returns how many capacity slots are held.
func (e *Engine) ActiveJobs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reserved)
}
