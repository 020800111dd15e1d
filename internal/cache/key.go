package cache

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind separates interactive canvases from static problem images. The two
// kinds expire on different schedules.
type Kind string

const (
	KindCanvas Kind = "canvas"
	KindImage  Kind = "image"
)

const (
	DefaultSessionID = "default"

	DefaultCanvasTTL = 2 * time.Hour
	DefaultImageTTL  = 24 * time.Hour
)

// ParseKind accepts "canvas" or "image"; empty means canvas.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindCanvas, nil
	case KindCanvas, KindImage:
		return k, nil
	default:
		return "", fmt.Errorf("unknown cache kind %q", s)
	}
}

// DefaultTTL is the entry lifetime used when the caller does not pick one.
func (k Kind) DefaultTTL() time.Duration {
	if k == KindImage {
		return DefaultImageTTL
	}
	return DefaultCanvasTTL
}

// IdentityKey scopes change detection to one user's canvas for one problem in
// one session. Distinct keys never share an entry.
type IdentityKey struct {
	Kind      Kind   `msgpack:"kind" json:"kind"`
	UserID    string `msgpack:"user_id" json:"user_id"`
	ProblemID string `msgpack:"problem_id" json:"problem_id"`
	SessionID string `msgpack:"session_id" json:"session_id"`
}

// Normalize trims the parts and fills in the default kind and session.
func (k IdentityKey) Normalize() IdentityKey {
	k.UserID = strings.TrimSpace(k.UserID)
	k.ProblemID = strings.TrimSpace(k.ProblemID)
	k.SessionID = strings.TrimSpace(k.SessionID)
	if k.SessionID == "" {
		k.SessionID = DefaultSessionID
	}
	if k.Kind == "" {
		k.Kind = KindCanvas
	}
	return k
}

func (k IdentityKey) Validate() error {
	if k.UserID == "" {
		return errors.New("user id is required")
	}
	if k.ProblemID == "" {
		return errors.New("problem id is required")
	}
	if k.Kind != KindCanvas && k.Kind != KindImage {
		return fmt.Errorf("unknown cache kind %q", k.Kind)
	}
	for name, part := range map[string]string{"user id": k.UserID, "problem id": k.ProblemID, "session id": k.SessionID} {
		if strings.Contains(part, ":") {
			return fmt.Errorf("%s must not contain ':'", name)
		}
	}
	return nil
}

// String converts the structured key into the final string used in Redis/map.
func (k IdentityKey) String() string {
	// <KIND>:<USER_ID>:<PROBLEM_ID>:<SESSION_ID>
	return fmt.Sprintf("%s:%s:%s:%s", k.Kind, k.UserID, k.ProblemID, k.SessionID)
}

// ParseIdentityKey is the inverse of String.
func ParseIdentityKey(s string) (IdentityKey, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return IdentityKey{}, false
	}
	kind := Kind(parts[0])
	if kind != KindCanvas && kind != KindImage {
		return IdentityKey{}, false
	}
	return IdentityKey{
		Kind:      kind,
		UserID:    parts[1],
		ProblemID: parts[2],
		SessionID: parts[3],
	}, true
}
