package core

import "strings"

// State key prefixes route delta entries to the scope that owns them.
// Unprefixed keys belong to the session itself.
const (
	// AppStatePrefix marks keys shared by every user and session of an app.
	AppStatePrefix = "app:"
	// UserStatePrefix marks keys shared by all sessions of one (app, user).
	UserStatePrefix = "user:"
	// TempStatePrefix marks scratch keys that are never persisted.
	TempStatePrefix = "temp:"
)

// Scope identifies the storage bucket a state key belongs to.
type Scope int

const (
	// ScopeSession is the default scope for unprefixed keys.
	ScopeSession Scope = iota
	// ScopeUser holds keys visible across all sessions of one user.
	ScopeUser
	// ScopeApp holds keys visible across all users of one app.
	ScopeApp
	// ScopeTemp holds transient keys discarded at persistence time.
	ScopeTemp
)

// String returns the lowercase scope name.
func (s Scope) String() string {
	switch s {
	case ScopeUser:
		return "user"
	case ScopeApp:
		return "app"
	case ScopeTemp:
		return "temp"
	default:
		return "session"
	}
}

// ClassifyKey resolves the scope a state key routes to. Classification is
// purely syntactic: the same bare key may exist independently under several
// scopes, which is a caller error this package does not detect.
func ClassifyKey(key string) Scope {
	switch {
	case strings.HasPrefix(key, AppStatePrefix):
		return ScopeApp
	case strings.HasPrefix(key, UserStatePrefix):
		return ScopeUser
	case strings.HasPrefix(key, TempStatePrefix):
		return ScopeTemp
	default:
		return ScopeSession
	}
}

// SplitDelta routes the entries of a flat state delta into per-scope buckets.
// Scope prefixes are stripped from the returned keys, temp entries are
// dropped, and every other entry lands in exactly one bucket. The input map
// is not modified; the returned maps are always non-nil.
func SplitDelta(delta map[string]any) (app, user, session map[string]any) {
	app = map[string]any{}
	user = map[string]any{}
	session = map[string]any{}
	for k, v := range delta {
		switch ClassifyKey(k) {
		case ScopeApp:
			app[strings.TrimPrefix(k, AppStatePrefix)] = v
		case ScopeUser:
			user[strings.TrimPrefix(k, UserStatePrefix)] = v
		case ScopeTemp:
			// Scratch keys live only inside the producing invocation.
		default:
			session[k] = v
		}
	}
	return app, user, session
}

// MergeState builds the flat read view of a session: session entries appear
// under their bare keys while app and user entries are re-tagged with their
// scope prefixes, so splitting a merged view routes every entry back to the
// scope it came from. The inputs are not modified and may be nil; the result
// is always a fresh non-nil map.
func MergeState(app, user, session map[string]any) map[string]any {
	merged := make(map[string]any, len(app)+len(user)+len(session))
	for k, v := range session {
		merged[k] = v
	}
	for k, v := range user {
		merged[UserStatePrefix+k] = v
	}
	for k, v := range app {
		merged[AppStatePrefix+k] = v
	}
	return merged
}

// TrimTempState returns delta without temp-prefixed entries. The input is not
// modified; when no temp keys are present the original map is returned as-is.
func TrimTempState(delta map[string]any) map[string]any {
	hasTemp := false
	for k := range delta {
		if ClassifyKey(k) == ScopeTemp {
			hasTemp = true
			break
		}
	}
	if !hasTemp {
		return delta
	}
	trimmed := make(map[string]any, len(delta))
	for k, v := range delta {
		if ClassifyKey(k) == ScopeTemp {
			continue
		}
		trimmed[k] = v
	}
	return trimmed
}
