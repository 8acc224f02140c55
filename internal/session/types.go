// Package session manages authenticated browser contexts for the monitored
// streaming site. It owns two kinds of Chrome context (a headful one the user
// logs in with, a headless one everything else runs against), classifies
// credential strength from cookie names, migrates cookies between contexts,
// and persists login state across restarts.
package session

import "time"

// Mode tags an execution context by how it renders.
type Mode string

const (
	// ModeInteractive is a visible browser the user can type into.
	ModeInteractive Mode = "interactive"
	// ModeHeadless is the invisible browser used for probing and capture.
	ModeHeadless Mode = "headless"
)

// LoginState is the classified strength of the credentials held by a context.
// The ordinal order matters: a state can only be promoted upward.
type LoginState int

const (
	// StateUnknown means no live context exists and nothing is persisted.
	StateUnknown LoginState = iota - 1
	// StateNone means no recognized session cookies are present.
	StateNone
	// StateWeak means only identity cookies are present; the session is not
	// fully established and may still be mid-login.
	StateWeak
	// StateStrong means a primary session cookie is present and the login is
	// usable for authenticated requests.
	StateStrong
)

func (s LoginState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateWeak:
		return "weak"
	case StateStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// ParseLoginState maps a persisted string back to its state. Unrecognized
// input yields StateUnknown.
func ParseLoginState(s string) LoginState {
	switch s {
	case "none":
		return StateNone
	case "weak":
		return StateWeak
	case "strong":
		return StateStrong
	default:
		return StateUnknown
	}
}

// Cookie is the transport-independent view of a browser cookie. Only the
// fields needed for classification, migration, and export are carried.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"http_only"`
}

// persistedState is the on-disk record written after every successful
// classification so CheckStatus can answer without a live browser.
type persistedState struct {
	State       string    `json:"state"`
	CheckedAt   time.Time `json:"checked_at"`
	CookieNames []string  `json:"cookie_names,omitempty"`
}
