package monitor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"castmon/internal/config"
)

// Heartbeat is the liveness record external supervisors watch.
type Heartbeat struct {
	Timestamp      int64  `json:"ts"`
	State          State  `json:"state"`
	ActiveJobs     int    `json:"active_jobs"`
	TotalChecks    int    `json:"total_checks"`
	TotalSuccesses int    `json:"total_successes"`
	TotalErrors    int    `json:"total_errors"`
	Targets        int    `json:"targets"`
	MaxConcurrent  int    `json:"max_concurrent"`
	RecoveryCount  int    `json:"recovery_count"`
	LastActivity   int64  `json:"last_activity"`
}

func (e *Engine) snapshotHeartbeat() Heartbeat {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Heartbeat{
		Timestamp:      e.now().Unix(),
		State:          e.state,
		ActiveJobs:     len(e.reserved),
		TotalChecks:    e.totalChecks,
		TotalSuccesses: e.totalSuccesses,
		TotalErrors:    e.totalErrors,
		Targets:        len(e.targets),
		MaxConcurrent:  e.cfg.MaxConcurrent,
		RecoveryCount:  e.recoveryCount,
		LastActivity:   e.lastActivity.Unix(),
	}
}

// writeHeartbeat replaces the heartbeat file atomically so a supervisor
// never reads a torn write. Failures are logged and swallowed.
func (e *Engine) writeHeartbeat() {
	if e.cfg.HeartbeatPath == "" {
		return
	}
	hb := e.snapshotHeartbeat()
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return
	}

	dir := filepath.Dir(e.cfg.HeartbeatPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		e.log.Debug("heartbeat dir unavailable", zap.Error(err))
		return
	}
	tmp, err := os.CreateTemp(dir, "heartbeat-*.json")
	if err != nil {
		e.log.Debug("heartbeat temp file failed", zap.Error(err))
		return
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpName)
		return
	}
	if err := os.Rename(tmpName, e.cfg.HeartbeatPath); err != nil {
		os.Remove(tmpName)
		e.log.Debug("heartbeat rename failed", zap.Error(err))
	}
}

// watchdogLoop doubles as the heartbeat pulse: every interval it refreshes
// the heartbeat file and checks that scans are still making progress.
func (e *Engine) watchdogLoop(ctx context.Context, stop <-chan struct{}) {
	defer e.bgWG.Done()
	if e.cfg.WatchdogInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		e.writeHeartbeat()
		e.maybeRecover(ctx)
	}
}

// maybeRecover runs a single recovery when scans look unhealthy: activity
// stale past MaxIdleTime, or a streak of probe timeouts. Never while a
// recording holds a slot. Recovery clears the per-target counters and forces
// one re-login.
func (e *Engine) maybeRecover(ctx context.Context) {
	e.mu.Lock()
	idle := e.now().Sub(e.lastActivity)
	stalled := e.cfg.MaxIdleTime > 0 && idle > e.cfg.MaxIdleTime
	streak := e.timeoutStreak >= timeoutStreakLimit
	if len(e.reserved) > 0 || (!stalled && !streak) {
		e.mu.Unlock()
		return
	}
	e.recoveryCount++
	e.lastActivity = e.now()
	e.timeoutStreak = 0
	e.authRetries = make(map[string]int)
	e.errorCounts = make(map[string]int)
	e.mu.Unlock()

	e.log.Warn("watchdog recovery",
		zap.Duration("idle", idle), zap.Bool("timeout_streak", streak))
	e.events.Append("watchdog_health", map[string]any{
		"idle_sec": idle.Seconds(), "timeout_streak": streak,
	})

	if e.login != nil {
		if err := e.login.EnsureLogin(ctx, true); err != nil {
			e.log.Warn("watchdog re-login failed", zap.Error(err))
			e.events.Append("login_error", map[string]any{"error": err.Error()})
		}
	}
}

// startTargetsWatcher registers the fsnotify watch before Start returns, so
// a change landing right after startup cannot slip past an unregistered
// watcher. Watcher failures disable hot reload but never startup.
func (e *Engine) startTargetsWatcher(stop <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.log.Warn("targets watcher unavailable", zap.Error(err))
		return
	}
	// Watch the directory: editors replace files, which breaks file watches.
	dir := filepath.Dir(e.cfg.TargetsFile)
	if err := watcher.Add(dir); err != nil {
		e.log.Warn("targets watcher failed", zap.String("dir", dir), zap.Error(err))
		watcher.Close()
		return
	}
	e.bgWG.Add(1)
	go e.watchTargets(watcher, stop)
}

// watchTargets hot-reloads the watch list when the targets file changes.
func (e *Engine) watchTargets(watcher *fsnotify.Watcher, stop <-chan struct{}) {
	defer e.bgWG.Done()
	defer watcher.Close()

	base := filepath.Base(e.cfg.TargetsFile)

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			raw := config.LoadTargets(e.cfg.TargetsFile)
			e.log.Info("targets file changed, reloading", zap.Int("entries", len(raw)))
			e.events.Append("targets_reloaded", map[string]any{"entries": len(raw)})
			e.SetTargets(raw)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			e.log.Warn("targets watcher error", zap.Error(err))
		}
	}
}
