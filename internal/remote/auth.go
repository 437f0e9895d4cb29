package remote

import (
	"encoding/base64"
	"strings"
)

type AuthMode string

const (
	AuthBasic      AuthMode = "basic_auth"
	AuthWebSession AuthMode = "web_session"
)

// Credentials is the bundle a caller loads from its secret source. Only the
// fields relevant to the chosen mode are read.
type Credentials struct {
	APIKey    string
	AuthToken string
	Cookie    string
}

// AuthContext is an explicit, immutable credential value threaded through
// every builder call. Build one with NewAuthContext.
type AuthContext struct {
	mode  AuthMode
	creds Credentials
}

func NewAuthContext(mode AuthMode, creds Credentials) (AuthContext, error) {
	switch mode {
	case AuthBasic, AuthWebSession:
		return AuthContext{mode: mode, creds: creds}, nil
	default:
		return AuthContext{}, UnsupportedAuthModeError{Mode: mode}
	}
}

func (a AuthContext) Mode() AuthMode { return a.mode }

// Headers returns the auth headers for the context's mode. A zero AuthContext
// has no mode and fails.
func (a AuthContext) Headers() (map[string]string, error) {
	switch a.mode {
	case AuthBasic:
		if strings.TrimSpace(a.creds.APIKey) == "" || strings.TrimSpace(a.creds.AuthToken) == "" {
			return nil, InvalidRequestError{Index: -1, Reason: "basic_auth requires api key and auth token"}
		}
		raw := a.creds.APIKey + ":" + a.creds.AuthToken
		return map[string]string{
			"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)),
		}, nil
	case AuthWebSession:
		if strings.TrimSpace(a.creds.Cookie) == "" {
			return nil, InvalidRequestError{Index: -1, Reason: "web_session requires a session cookie"}
		}
		return map[string]string{"Cookie": a.creds.Cookie}, nil
	default:
		return nil, UnsupportedAuthModeError{Mode: a.mode}
	}
}
