// Package session binds one identity to the cookies and tokens it
// accumulates across requests.
package session

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"dario.cat/mergo"
	"github.com/aluiziolira/go-acquire/identity"
	"github.com/aluiziolira/go-acquire/models"
	"github.com/aluiziolira/go-acquire/parser"
	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
)

// Session is owned by a single attempt sequence and only mutated through
// Manager.
type Session struct {
	ID        string
	Identity  identity.Identity
	Jar       http.CookieJar
	Token     string
	Fields    map[string]string
	CreatedAt time.Time

	closed bool
}

// Closed reports whether the session has been retired.
func (s *Session) Closed() bool {
	return s.closed
}

// Manager creates sessions and folds responses into them.
type Manager struct {
	tokenFields []string
	extract     func(string) map[string]string
}

// NewManager builds a manager that promotes the first present token field
// to Session.Token.
func NewManager(tokenFields []string) *Manager {
	return &Manager{
		tokenFields: tokenFields,
		extract:     parser.ExtractTokens,
	}
}

// Start opens a session with an empty cookie jar for id.
func (m *Manager) Start(id identity.Identity) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Session{
		ID:        uuid.NewString(),
		Identity:  id,
		Jar:       jar,
		Fields:    make(map[string]string),
		CreatedAt: time.Now(),
	}, nil
}

// RecordResponse stores response cookies and merges any tokens found in the
// body into the session. Newer values overwrite older ones per key.
func (m *Manager) RecordResponse(s *Session, raw models.RawResponse) {
	if s == nil || s.closed || raw.Err != nil {
		return
	}

	if u, err := url.Parse(raw.URL); err == nil && u.Host != "" && len(raw.Header) > 0 {
		resp := http.Response{Header: raw.Header}
		if cookies := resp.Cookies(); len(cookies) > 0 {
			s.Jar.SetCookies(u, cookies)
		}
	}

	if len(raw.Body) == 0 {
		return
	}
	found := m.extract(string(raw.Body))
	if len(found) == 0 {
		return
	}
	if err := mergo.Merge(&s.Fields, found, mergo.WithOverride); err != nil {
		slog.Debug("merge session fields", slog.String("session", s.ID), slog.Any("error", err))
		return
	}
	if token, ok := parser.FirstToken(found, m.tokenFields); ok {
		s.Token = token
	}
}

// Close retires the session; later responses are ignored.
func (m *Manager) Close(s *Session) {
	if s == nil {
		return
	}
	s.closed = true
}
