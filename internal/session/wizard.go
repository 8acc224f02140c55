package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrWizardActive is returned when a login wizard is already running.
// The wizard is single-flight; concurrent callers do not join it.
var ErrWizardActive = errors.New("login wizard already in progress")

// mypageURL is the authenticated landing page. Navigating here while holding
// identity cookies is what converts a half-finished login into a full
// session on the server side.
const mypageURL = "https://twitcasting.tv/mypage.php"

// loginURLCandidates are tried in order until one serves a usable page. The
// site has moved its login entry point more than once.
var loginURLCandidates = []string{
	"https://twitcasting.tv/indexcaslogin.php",
	"https://ssl.twitcasting.tv/login.php",
	"https://twitcasting.tv/?m=login",
	"https://twitcasting.tv/login.php",
	"https://twitcasting.tv/",
}

// RunLoginWizard opens a visible browser on the login page, waits for the
// user to sign in, then migrates the resulting cookies into the headless
// context and verifies them there. The interactive context is closed once
// migration succeeds. Success is judged on the headless context only.
func (m *Manager) RunLoginWizard(ctx context.Context, timeout time.Duration) error {
	m.wizardMu.Lock()
	if m.inWizard {
		m.wizardMu.Unlock()
		return ErrWizardActive
	}
	m.inWizard = true
	m.wizardMu.Unlock()
	defer func() {
		m.wizardMu.Lock()
		m.inWizard = false
		m.wizardMu.Unlock()
	}()

	m.log.Info("starting login wizard", zap.Duration("timeout", timeout))
	m.events.Append("wizard_started", nil)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interactive, err := m.EnsureContext(ctx, ModeInteractive)
	if err != nil {
		return fmt.Errorf("failed to open interactive context: %w", err)
	}
	m.restartSuppression(ModeInteractive)

	if err := m.openLoginPage(ctx, interactive); err != nil {
		_ = m.CloseContext(ModeInteractive)
		return err
	}

	if err := m.awaitStrongLogin(ctx, interactive); err != nil {
		m.events.Append("wizard_timeout", nil)
		_ = m.CloseContext(ModeInteractive)
		return err
	}

	if err := m.switchToHeadless(ctx); err != nil {
		return err
	}

	m.log.Info("login wizard completed")
	m.events.Append("wizard_completed", nil)
	return nil
}

func (m *Manager) openLoginPage(ctx context.Context, d contextDriver) error {
	for _, u := range loginURLCandidates {
		if err := d.Navigate(ctx, u); err != nil {
			m.log.Debug("login page candidate failed", zap.String("url", u), zap.Error(err))
			continue
		}
		m.log.Info("opened login page", zap.String("url", u))
		return nil
	}
	return errors.New("failed to open login page: all candidates failed")
}

// awaitStrongLogin polls the interactive context until a primary session
// cookie appears. A login stuck at weak strength for promoteAfter is nudged
// once per weak streak by visiting the authenticated landing page, which
// makes the server issue the primary cookie.
func (m *Manager) awaitStrongLogin(ctx context.Context, d contextDriver) error {
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()

	var weakSince time.Time
	promoted := false

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("login not completed: %w", ctx.Err())
		case <-ticker.C:
		}

		state, err := m.ProbeStrength(ModeInteractive)
		if err != nil {
			// Probe errors mid-login are transient; the overall timeout
			// bounds how long they can recur.
			m.log.Warn("interactive probe failed, retrying", zap.Error(err))
			continue
		}

		switch state {
		case StateStrong:
			m.log.Info("strong login detected")
			m.events.Append("login_detected", map[string]any{"state": state.String()})
			return nil
		case StateWeak:
			if weakSince.IsZero() {
				weakSince = m.now()
			}
			if !promoted && m.now().Sub(weakSince) >= m.promoteAfter {
				promoted = true
				m.log.Info("weak login persisted, nudging session establishment")
				if err := d.Navigate(ctx, mypageURL); err != nil {
					m.log.Warn("promotion navigation failed", zap.Error(err))
				}
			}
		default:
			weakSince = time.Time{}
			promoted = false
		}
	}
}

// switchToHeadless migrates credentials out of the interactive context. The
// headless context must be live before any cookie leaves the interactive
// one, and the interactive context is only closed after installation.
func (m *Manager) switchToHeadless(ctx context.Context) error {
	m.mu.Lock()
	src, ok := m.contexts[ModeInteractive]
	if !ok {
		m.mu.Unlock()
		return errors.New("interactive context vanished before migration")
	}
	dst, err := m.ensureContextLocked(ctx, ModeHeadless)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to open headless context: %w", err)
	}
	m.mu.Unlock()

	n, err := m.migrateCookies(src, dst)
	if err != nil {
		return err
	}
	m.log.Info("migrated cookies to headless", zap.Int("count", n))
	m.events.Append("cookies_migrated", map[string]any{"count": n})

	if err := m.CloseContext(ModeInteractive); err != nil {
		m.log.Warn("interactive teardown failed", zap.Error(err))
	}

	return m.verifyHeadless(ctx)
}

// verifyHeadless confirms the migrated credentials classify strong in the
// headless context. The suppression window on the fresh context makes the
// first probes report none, so verification retries past it.
func (m *Manager) verifyHeadless(ctx context.Context) error {
	deadline := time.Now().Add(m.suppress + m.verifyWindow)
	for time.Now().Before(deadline) {
		state, err := m.ProbeStrength(ModeHeadless)
		if err != nil {
			return fmt.Errorf("failed to verify headless context: %w", err)
		}
		if state == StateStrong {
			m.events.Append("headless_verified", nil)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("headless verification aborted: %w", ctx.Err())
		case <-time.After(m.verifyEvery):
		}
	}
	return errors.New("headless context did not reach strong login")
}
