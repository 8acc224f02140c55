package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExportCookies writes the headless context's domain cookies to path in
// Netscape cookie-file format, the shape external capture tools consume.
func (m *Manager) ExportCookies(path string) (int, error) {
	cookies, err := m.DomainCookies(ModeHeadless)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create cookie dir: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Netscape HTTP Cookie File\n")
	for _, c := range cookies {
		includeSub := "FALSE"
		if strings.HasPrefix(c.Domain, ".") {
			includeSub = "TRUE"
		}
		secure := "FALSE"
		if c.Secure {
			secure = "TRUE"
		}
		var expiry int64
		if !c.Expires.IsZero() {
			expiry = c.Expires.Unix()
		}
		cookiePath := c.Path
		if cookiePath == "" {
			cookiePath = "/"
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.Domain, includeSub, cookiePath, secure, expiry, c.Name, c.Value)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return 0, fmt.Errorf("failed to write cookie file: %w", err)
	}
	return len(cookies), nil
}
