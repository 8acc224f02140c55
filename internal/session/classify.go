package session

// Classifier maps the set of cookies visible in a context to a login state.
// It is a plain function so tests and future sites can swap the predicate
// without touching the manager.
type Classifier func(cookies []Cookie) LoginState

// Primary markers prove an established server-side session. Secondary
// markers only identify the account and show up mid-login too.
var (
	primaryMarkers = map[string]bool{
		"tc_ss":                true,
		"_twitcasting_session": true,
		"tc_s":                 true,
	}
	secondaryMarkers = map[string]bool{
		"tc_id": true,
		"tc_u":  true,
	}
)

// DefaultClassifier implements the marker-set rule: any primary cookie wins
// StateStrong, otherwise any secondary cookie yields StateWeak, otherwise
// StateNone.
func DefaultClassifier(cookies []Cookie) LoginState {
	state := StateNone
	for _, c := range cookies {
		if primaryMarkers[c.Name] {
			return StateStrong
		}
		if secondaryMarkers[c.Name] {
			state = StateWeak
		}
	}
	return state
}
