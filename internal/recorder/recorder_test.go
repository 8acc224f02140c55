package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"castmon/internal/session"
)

type fakeBridge struct {
	ensureErr    error
	ensureCalls  int
	exportErr    error
	exportedPath string
}

func (b *fakeBridge) EnsureHeadless(context.Context) error {
	b.ensureCalls++
	return b.ensureErr
}

func (b *fakeBridge) ExportCookies(path string) (int, error) {
	if b.exportErr != nil {
		return 0, b.exportErr
	}
	b.exportedPath = path
	if err := os.WriteFile(path, []byte("# Netscape HTTP Cookie File\n"), 0600); err != nil {
		return 0, err
	}
	return 3, nil
}

func (b *fakeBridge) CheckStatus() session.LoginState { return session.StateStrong }

type fakeEngine struct {
	checkErr error
	files    []string
	err      error
	gotSpec  CaptureSpec
}

func (e *fakeEngine) Check() error { return e.checkErr }

func (e *fakeEngine) Capture(_ context.Context, spec CaptureSpec) ([]string, error) {
	e.gotSpec = spec
	return e.files, e.err
}

func newTestRecorder(t *testing.T, bridge *fakeBridge, engine *fakeEngine) *Recorder {
	t.Helper()
	dir := t.TempDir()
	return New(bridge, engine, filepath.Join(dir, "rec"), dir, 10*time.Minute, zap.NewNop(), nil)
}

func TestInitialize(t *testing.T) {
	bridge := &fakeBridge{}
	r := newTestRecorder(t, bridge, &fakeEngine{})

	require.NoError(t, r.Initialize(context.Background()))
	assert.Equal(t, 1, bridge.ensureCalls)
	assert.DirExists(t, r.outDir)
}

func TestInitializeFailsWithoutEngine(t *testing.T) {
	r := newTestRecorder(t, &fakeBridge{}, &fakeEngine{checkErr: errors.New("yt-dlp not found")})
	assert.ErrorContains(t, r.Initialize(context.Background()), "yt-dlp not found")
}

func TestInitializeFailsWithoutHeadless(t *testing.T) {
	bridge := &fakeBridge{ensureErr: errors.New("chrome launch failed")}
	r := newTestRecorder(t, bridge, &fakeEngine{})
	assert.ErrorContains(t, r.Initialize(context.Background()), "headless")
}

func TestRecordSuccess(t *testing.T) {
	bridge := &fakeBridge{}
	engine := &fakeEngine{files: []string{"rec/abc_show.mp4"}}
	r := newTestRecorder(t, bridge, engine)

	res, err := r.Record(context.Background(), "https://twitcasting.tv/someuser", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"rec/abc_show.mp4"}, res.OutputFiles)

	assert.Equal(t, time.Minute, engine.gotSpec.Duration)
	assert.Equal(t, "https://twitcasting.tv/someuser", engine.gotSpec.Referer)
	assert.Contains(t, engine.gotSpec.OutputTemplate, "%(title)s.%(ext)s")

	assert.NoFileExists(t, bridge.exportedPath, "cookie file is cleaned up")
}

func TestRecordAppliesDefaultDuration(t *testing.T) {
	engine := &fakeEngine{files: []string{"a.mp4"}}
	r := newTestRecorder(t, &fakeBridge{}, engine)

	_, err := r.Record(context.Background(), "https://twitcasting.tv/someuser", 0)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, engine.gotSpec.Duration)
}

func TestRecordEngineFailureIsClassified(t *testing.T) {
	engine := &fakeEngine{err: errors.New("capture failed: HTTP 404")}
	r := newTestRecorder(t, &fakeBridge{}, engine)

	res, err := r.Record(context.Background(), "https://twitcasting.tv/someuser", time.Minute)
	require.NoError(t, err, "engine failure is a result, not an error")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "404")
}

func TestRecordNoOutputFiles(t *testing.T) {
	r := newTestRecorder(t, &fakeBridge{}, &fakeEngine{})

	res, err := r.Record(context.Background(), "https://twitcasting.tv/someuser", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no_output_files", res.Error)
}

func TestRecordCookieExportFailure(t *testing.T) {
	bridge := &fakeBridge{exportErr: errors.New("no live headless context")}
	r := newTestRecorder(t, bridge, &fakeEngine{})

	_, err := r.Record(context.Background(), "https://twitcasting.tv/someuser", time.Minute)
	assert.ErrorContains(t, err, "export cookies")
}

func TestGlobFromTemplate(t *testing.T) {
	tests := []struct {
		tpl  string
		want string
	}{
		{"rec/abc_%(title)s.%(ext)s", "rec/abc_*"},
		{"rec/fixed.mp4", "rec/fixed.mp4"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, globFromTemplate(tt.tpl))
	}
}

func TestQualityArgs(t *testing.T) {
	tests := []struct {
		name    string
		quality string
		want    []string
	}{
		{"default", "", []string{"-f", "best"}},
		{"format expression", "bestvideo+bestaudio", []string{"-f", "bestvideo+bestaudio"}},
		{"filtered format", "best[height<=720]", []string{"-f", "best[height<=720]"}},
		{"sort expression", "res:720", []string{"-S", "res:720"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &YtdlpEngine{Quality: tt.quality}
			assert.Equal(t, tt.want, e.qualityArgs())
		})
	}
}
