package op

import (
	"errors"
	"sync"
	"time"

	"github.com/authlab/oidp/pkg/claims"
)

// Session carries one authorization transaction from request validation to
// token issuance, and the resource-owner authentication that backs it.
// A repeated request from the same browser resumes the subject recorded
// here, which is what makes prompt=none possible.
type Session struct {
	ID                  string          `json:"id"`
	ClientID            string          `json:"client_id"`
	RedirectURI         string          `json:"redirect_uri"`
	ResponseTypes       []string        `json:"response_types"`
	Scopes              []string        `json:"scopes"`
	GrantedScopes       []string        `json:"granted_scopes"`
	State               string          `json:"state"`
	Nonce               string          `json:"nonce"`
	ACRValues           []string        `json:"acr_values"`
	Claims              *claims.Request `json:"claims,omitempty"`
	CodeChallenge       string          `json:"code_challenge"`
	CodeChallengeMethod string          `json:"code_challenge_method"`
	Subject             string          `json:"subject"`
	AuthenticatedAt     time.Time       `json:"authenticated_at"`
	ConsentedAt         time.Time       `json:"consented_at"`
	Code                string          `json:"code"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Authenticated reports whether the session has a resource owner bound to
// it.
func (s *Session) Authenticated() bool {
	return s != nil && s.Subject != "" && !s.AuthenticatedAt.IsZero()
}

var ErrSessionNotFound = errors.New("session not found")

type SessionStore interface {
	GetSession(id string) (*Session, error)
	GetSessionByCode(code string) (*Session, error)
	SaveSession(session *Session) error
	DeleteSession(id string) error
}

type memorySessionStore struct {
	sessions map[string]*Session
	lock     sync.RWMutex
}

// NewMemorySessionStore returns the in-memory SessionStore used by default
// and in tests.
func NewMemorySessionStore() SessionStore {
	return &memorySessionStore{
		sessions: make(map[string]*Session),
	}
}

func (s *memorySessionStore) GetSession(id string) (*Session, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *memorySessionStore) GetSessionByCode(code string) (*Session, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, session := range s.sessions {
		if session.Code != "" && session.Code == code {
			return session, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (s *memorySessionStore) SaveSession(session *Session) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *memorySessionStore) DeleteSession(id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.sessions, id)
	return nil
}
