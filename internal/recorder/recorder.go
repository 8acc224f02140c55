// Package recorder is the recording capability behind the admission gate.
// It borrows credentials from the session manager, hands them to an external
// capture engine, and reports produced files.
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"castmon/internal/gate"
	"castmon/internal/logging"
	"castmon/internal/session"
)

// SessionBridge is the slice of the session manager the recorder needs.
type SessionBridge interface {
	EnsureHeadless(ctx context.Context) error
	ExportCookies(path string) (int, error)
	CheckStatus() session.LoginState
}

// Recorder implements the gate's recording capability.
type Recorder struct {
	sessions SessionBridge
	engine   CaptureEngine
	outDir   string
	authDir  string

	defaultDuration time.Duration

	log    *zap.Logger
	events *logging.EventLog
}

// New creates a recorder. defaultDuration bounds captures whose request
// carries no duration; zero means record until the stream ends.
func New(sessions SessionBridge, engine CaptureEngine, outDir, authDir string, defaultDuration time.Duration, log *zap.Logger, events *logging.EventLog) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		sessions:        sessions,
		engine:          engine,
		outDir:          outDir,
		authDir:         authDir,
		defaultDuration: defaultDuration,
		log:             log,
		events:          events,
	}
}

// Initialize prepares the recorder for capture: output directory, engine
// binary, and a live headless context. Safe to retry after failure.
func (r *Recorder) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(r.outDir, 0755); err != nil {
		return fmt.Errorf("failed to create recordings dir: %w", err)
	}
	if err := r.engine.Check(); err != nil {
		return err
	}
	if err := r.sessions.EnsureHeadless(ctx); err != nil {
		return fmt.Errorf("failed to prepare headless context: %w", err)
	}
	return nil
}

// Record captures one stream. Engine failures come back as a classified
// unsuccessful result, not an error; only infrastructure mistakes (cookie
// export, bad paths) surface as errors.
func (r *Recorder) Record(ctx context.Context, url string, duration time.Duration) (*gate.CaptureResult, error) {
	if duration <= 0 {
		duration = r.defaultDuration
	}
	captureID := uuid.NewString()[:8]

	cookieFile := filepath.Join(r.authDir, fmt.Sprintf("cookies_enter_%s.txt", captureID))
	n, err := r.sessions.ExportCookies(cookieFile)
	if err != nil {
		return nil, fmt.Errorf("failed to export cookies: %w", err)
	}
	defer os.Remove(cookieFile)

	r.log.Info("capture starting",
		zap.String("capture_id", captureID), zap.String("url", url),
		zap.Int("cookies", n), zap.Duration("duration", duration))
	r.events.Append("capture_started", map[string]any{
		"capture_id": captureID, "url": url, "cookies": n,
	})

	spec := CaptureSpec{
		URL:            url,
		CookieFile:     cookieFile,
		OutputTemplate: filepath.Join(r.outDir, captureID+"_%(title)s.%(ext)s"),
		Referer:        url,
		Duration:       duration,
	}
	files, err := r.engine.Capture(ctx, spec)
	if err != nil {
		r.events.Append("capture_failed", map[string]any{"capture_id": captureID, "error": err.Error()})
		return &gate.CaptureResult{Success: false, Error: err.Error()}, nil
	}
	if len(files) == 0 {
		r.events.Append("capture_failed", map[string]any{"capture_id": captureID, "error": "no_output_files"})
		return &gate.CaptureResult{Success: false, Error: "no_output_files"}, nil
	}

	r.events.Append("capture_complete", map[string]any{"capture_id": captureID, "files": files})
	return &gate.CaptureResult{Success: true, OutputFiles: files}, nil
}

// Close releases nothing of its own; browser contexts belong to the session
// manager and recordings stay on disk.
func (r *Recorder) Close() error {
	return nil
}
