package auth

import "sync"

const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)

// UserData is the signed-in profile kept alongside the tokens.
type UserData struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Role     string `json:"role"`
}

// Credentials is the triple persisted per signed-in session. The three values
// live and die together: an irrecoverable 401 clears all of them at once.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	User         *UserData
}

func (c Credentials) SignedIn() bool {
	return c.AccessToken != ""
}

// Store holds session credentials. The API client reads it on every call and
// rewrites the access token after a refresh.
type Store interface {
	Credentials() Credentials
	Set(creds Credentials)
	SetAccessToken(token string)
	Clear()
}

// MemoryStore is the in-process implementation, one per storefront session.
type MemoryStore struct {
	mu    sync.RWMutex
	creds Credentials
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *MemoryStore) Set(creds Credentials) {
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
}

func (s *MemoryStore) SetAccessToken(token string) {
	s.mu.Lock()
	s.creds.AccessToken = token
	s.mu.Unlock()
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.creds = Credentials{}
	s.mu.Unlock()
}
