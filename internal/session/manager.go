package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"castmon/internal/logging"
)

// suppressWindow is how long after opening a context its cookie probes are
// answered with StateNone. Freshly launched Chrome may briefly expose stale
// cookies from a prior profile.
const suppressWindow = 3 * time.Second

const stateFileName = "state.json"

// Manager owns at most one browser context per mode and everything derived
// from them: strength probes, persisted login state, cookie migration and
// export.
type Manager struct {
	authDir      string
	cookieDomain string
	log          *zap.Logger
	events       *logging.EventLog

	classify  Classifier
	newDriver driverFactory
	now       func() time.Time

	// Wizard cadence, overridable in tests.
	suppress     time.Duration
	pollEvery    time.Duration
	promoteAfter time.Duration
	verifyWindow time.Duration
	verifyEvery  time.Duration

	mu       sync.Mutex
	contexts map[Mode]contextDriver
	openedAt map[Mode]time.Time

	wizardMu sync.Mutex
	inWizard bool
}

// NewManager creates a session manager. authDir holds persisted login state
// and cookie exports; cookieDomain scopes which cookies the manager owns
// (leading dot allowed, subdomains match).
func NewManager(authDir, cookieDomain string, log *zap.Logger, events *logging.EventLog) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		authDir:      authDir,
		cookieDomain: cookieDomain,
		log:          log,
		events:       events,
		classify:     DefaultClassifier,
		newDriver:    newRodDriver,
		now:          time.Now,
		suppress:     suppressWindow,
		pollEvery:    2 * time.Second,
		promoteAfter: 10 * time.Second,
		verifyWindow: 10 * time.Second,
		verifyEvery:  500 * time.Millisecond,
		contexts:     make(map[Mode]contextDriver),
		openedAt:     make(map[Mode]time.Time),
	}
}

// ForceVisible makes every context, the headless one included, open a
// visible browser window. Debug aid for watching probes live.
func (m *Manager) ForceVisible() {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.newDriver
	m.newDriver = func(ctx context.Context, _ Mode) (contextDriver, error) {
		return base(ctx, ModeInteractive)
	}
}

// EnsureContext returns the live context for a mode, opening one if needed.
// Opening a mode that already has a context reuses it; each mode holds at
// most one context at a time.
func (m *Manager) EnsureContext(ctx context.Context, mode Mode) (contextDriver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureContextLocked(ctx, mode)
}

func (m *Manager) ensureContextLocked(ctx context.Context, mode Mode) (contextDriver, error) {
	if d, ok := m.contexts[mode]; ok {
		return d, nil
	}
	d, err := m.newDriver(ctx, mode)
	if err != nil {
		return nil, err
	}
	m.contexts[mode] = d
	m.openedAt[mode] = m.now()
	m.log.Info("opened browser context", zap.String("mode", string(mode)))
	m.events.Append("context_opened", map[string]any{"mode": string(mode)})
	return d, nil
}

// EnsureHeadless opens the headless context if it is not already live.
func (m *Manager) EnsureHeadless(ctx context.Context) error {
	_, err := m.EnsureContext(ctx, ModeHeadless)
	return err
}

// restartSuppression restamps the probe suppression window for a mode.
// A login attempt against a reused context must start suppressed too, or
// stale cookies from a prior session would read as a completed login.
func (m *Manager) restartSuppression(mode Mode) {
	m.mu.Lock()
	if _, ok := m.contexts[mode]; ok {
		m.openedAt[mode] = m.now()
	}
	m.mu.Unlock()
}

// CloseContext tears down the context for a mode, if any.
func (m *Manager) CloseContext(mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeContextLocked(mode)
}

func (m *Manager) closeContextLocked(mode Mode) error {
	d, ok := m.contexts[mode]
	if !ok {
		return nil
	}
	delete(m.contexts, mode)
	delete(m.openedAt, mode)
	err := d.Close()
	if err != nil {
		m.log.Warn("context close failed", zap.String("mode", string(mode)), zap.Error(err))
	} else {
		m.log.Info("closed browser context", zap.String("mode", string(mode)))
	}
	m.events.Append("context_closed", map[string]any{"mode": string(mode)})
	return err
}

// Close tears down every live context.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, mode := range []Mode{ModeInteractive, ModeHeadless} {
		if err := m.closeContextLocked(mode); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// HasContext reports whether a live context exists for the mode.
func (m *Manager) HasContext(mode Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contexts[mode]
	return ok
}

// ProbeStrength classifies the credentials held by the mode's context. It
// never opens a context; probing a mode with no live context is an error.
// Probes inside the suppression window report StateNone.
func (m *Manager) ProbeStrength(mode Mode) (LoginState, error) {
	m.mu.Lock()
	d, ok := m.contexts[mode]
	opened := m.openedAt[mode]
	m.mu.Unlock()

	if !ok {
		return StateUnknown, fmt.Errorf("no live %s context", mode)
	}
	if m.now().Sub(opened) < m.suppress {
		return StateNone, nil
	}

	cookies, err := m.domainCookies(d)
	if err != nil {
		return StateUnknown, err
	}
	state := m.classify(cookies)
	m.persistState(state, cookies)
	return state, nil
}

// CheckStatus answers the current login state without side effects. A live
// headless context is probed directly; otherwise the persisted state is
// consulted; with neither the answer is StateUnknown.
func (m *Manager) CheckStatus() LoginState {
	m.mu.Lock()
	_, hasHeadless := m.contexts[ModeHeadless]
	m.mu.Unlock()

	if hasHeadless {
		if state, err := m.ProbeStrength(ModeHeadless); err == nil {
			return state
		}
	}

	data, err := os.ReadFile(filepath.Join(m.authDir, stateFileName))
	if os.IsNotExist(err) {
		// Never logged in on this install: confirmed absent, not unknown.
		return StateNone
	}
	if err != nil {
		return StateUnknown
	}
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return StateUnknown
	}
	return ParseLoginState(ps.State)
}

// DomainCookies returns the mode's cookies scoped to the managed domain.
func (m *Manager) DomainCookies(mode Mode) ([]Cookie, error) {
	m.mu.Lock()
	d, ok := m.contexts[mode]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no live %s context", mode)
	}
	return m.domainCookies(d)
}

func (m *Manager) domainCookies(d contextDriver) ([]Cookie, error) {
	all, err := d.Cookies()
	if err != nil {
		return nil, err
	}
	bare := strings.TrimPrefix(m.cookieDomain, ".")
	scoped := make([]Cookie, 0, len(all))
	for _, c := range all {
		if strings.Contains(strings.ToLower(c.Domain), bare) {
			scoped = append(scoped, c)
		}
	}
	return scoped, nil
}

// migrateCookies copies domain-scoped cookies from src into dst. Cookies
// outside the managed domain never cross contexts.
func (m *Manager) migrateCookies(src, dst contextDriver) (int, error) {
	cookies, err := m.domainCookies(src)
	if err != nil {
		return 0, fmt.Errorf("failed to read source cookies: %w", err)
	}
	if len(cookies) == 0 {
		return 0, nil
	}
	if err := dst.SetCookies(cookies); err != nil {
		return 0, fmt.Errorf("failed to install cookies: %w", err)
	}
	return len(cookies), nil
}

// persistState records the last classification so CheckStatus can answer
// after a restart. Write failures are logged and swallowed.
func (m *Manager) persistState(state LoginState, cookies []Cookie) {
	names := make([]string, 0, len(cookies))
	for _, c := range cookies {
		names = append(names, c.Name)
	}
	sort.Strings(names)

	ps := persistedState{
		State:       state.String(),
		CheckedAt:   m.now(),
		CookieNames: names,
	}
	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(m.authDir, 0755); err != nil {
		m.log.Warn("failed to create auth dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(filepath.Join(m.authDir, stateFileName), data, 0600); err != nil {
		m.log.Warn("failed to persist login state", zap.Error(err))
	}
}
