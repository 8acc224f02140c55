package recorder

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const captureUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"

// CaptureSpec describes one capture run.
type CaptureSpec struct {
	URL            string
	CookieFile     string
	OutputTemplate string
	Referer        string
	Duration       time.Duration
}

// CaptureEngine turns a stream URL into files on disk.
type CaptureEngine interface {
	// Capture blocks until the stream ends, the duration elapses, or the
	// context is cancelled. It returns the produced file paths.
	Capture(ctx context.Context, spec CaptureSpec) ([]string, error)
	// Check verifies the engine can run at all.
	Check() error
}

// YtdlpEngine shells out to yt-dlp. Cookies travel via a Netscape cookie
// file; the output template uses yt-dlp's own placeholder syntax.
type YtdlpEngine struct {
	Binary     string
	FFmpegPath string
	Quality    string

	log *zap.Logger
}

// NewYtdlpEngine creates an engine around the given binary path. An empty
// path means yt-dlp resolved from PATH.
func NewYtdlpEngine(binary string, log *zap.Logger) *YtdlpEngine {
	if binary == "" {
		binary = "yt-dlp"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &YtdlpEngine{Binary: binary, log: log}
}

func (e *YtdlpEngine) Check() error {
	if _, err := exec.LookPath(e.Binary); err != nil {
		return fmt.Errorf("capture binary not found: %w", err)
	}
	return nil
}

func (e *YtdlpEngine) Capture(ctx context.Context, spec CaptureSpec) ([]string, error) {
	args := []string{
		spec.URL,
		"--no-part",
		"--concurrent-fragments", "4",
		"--retries", "20",
		"--fragment-retries", "20",
		"--retry-sleep", "3",
		"--add-header", "Origin: https://twitcasting.tv",
		"--no-check-certificate",
		"--user-agent", captureUserAgent,
		"--remux-video", "mp4",
		"-o", spec.OutputTemplate,
	}
	if spec.Referer != "" {
		args = append(args, "--add-header", "Referer: "+spec.Referer)
	}
	if spec.CookieFile != "" {
		args = append(args, "--cookies", spec.CookieFile)
	}
	if e.FFmpegPath != "" {
		args = append(args, "--ffmpeg-location", e.FFmpegPath)
	}
	args = append(args, e.qualityArgs()...)
	if spec.Duration > 0 {
		args = append(args, "--download-sections", fmt.Sprintf("*0-%d", int(spec.Duration.Seconds())))
		// The process gets the requested span plus a finalization margin.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Duration+time.Minute)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach capture output: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	e.log.Info("starting capture", zap.String("url", spec.URL), zap.Duration("duration", spec.Duration))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start capture: %w", err)
	}

	// Keep a bounded tail of process output for error reporting.
	var tail []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tail = append(tail, line)
		if len(tail) > 200 {
			tail = tail[len(tail)-120:]
		}
	}

	waitErr := cmd.Wait()
	if waitErr != nil && !isDurationCutoff(ctx, spec.Duration) {
		return nil, fmt.Errorf("capture failed: %w (%s)", waitErr, lastLines(tail, 5))
	}

	files, err := filepath.Glob(globFromTemplate(spec.OutputTemplate))
	if err != nil {
		return nil, fmt.Errorf("failed to list capture output: %w", err)
	}
	return files, nil
}

func (e *YtdlpEngine) qualityArgs() []string {
	val := strings.TrimSpace(e.Quality)
	if val == "" {
		return []string{"-f", "best"}
	}
	// Format expressions go through -f, sort expressions through -S.
	if strings.ContainsAny(val, "[]+/") || strings.Contains(val, "bestvideo") || strings.Contains(val, "bestaudio") {
		return []string{"-f", val}
	}
	return []string{"-S", val}
}

// isDurationCutoff tells a bounded capture hitting its own deadline apart
// from a real failure. Killing the process at the duration limit is the
// expected way a timed capture ends.
func isDurationCutoff(ctx context.Context, duration time.Duration) bool {
	return duration > 0 && ctx.Err() == context.DeadlineExceeded
}

// globFromTemplate converts a yt-dlp output template into a glob matching
// whatever files it produced.
func globFromTemplate(tpl string) string {
	if i := strings.Index(tpl, "%("); i >= 0 {
		return tpl[:i] + "*"
	}
	return tpl
}

func lastLines(tail []string, n int) string {
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	return strings.Join(tail, " | ")
}
