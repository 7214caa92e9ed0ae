// Package registry implements the TunnelRegistry: tunnel lifecycle
// (create, restore, authenticate, attach, detach, lookup) and the single
// source of truth for "is this tunnel live". Every other component asks
// the registry rather than keeping its own notion of liveness.
package registry

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connection is the live transport bound to a Tunnel. The registry only
// needs to close it and know it is a *websocket.Conn-shaped thing, so it
// is modeled as a small interface rather than importing gorilla directly
// — RelayCore supplies the concrete type.
type Connection interface {
	Close() error
}

// Tunnel is one laptop's registration with the relay.
type Tunnel struct {
	ID            string
	APIKey        string
	Name          string
	CreatedAt     time.Time

	mu            sync.Mutex
	clientAuthKey string
	conn          Connection
	lastPongAt    time.Time
}

// ClientAuthKey returns the currently registered client auth key, if any.
func (t *Tunnel) ClientAuthKey() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clientAuthKey
}

// Live returns the live connection, or nil if the tunnel is not
// attached.
func (t *Tunnel) Live() Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// LastPongAt returns the last time a pong (or any frame) was observed.
func (t *Tunnel) LastPongAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPongAt
}

// Touch records that a frame (pong or otherwise) was just observed.
func (t *Tunnel) Touch(at time.Time) {
	t.mu.Lock()
	t.lastPongAt = at
	t.mu.Unlock()
}

var (
	// ErrNotFound is returned by Lookup/Authenticate for an unknown tunnelId.
	ErrNotFound = errors.New("tunnel not found")
	// ErrAuth is returned by Authenticate on a bad apiKey.
	ErrAuth = errors.New("tunnel authentication failed")
)

// Registry is the TunnelRegistry: the single source of truth for tunnel
// lifecycle and liveness.
type Registry struct {
	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

// New creates an empty TunnelRegistry.
func New() *Registry {
	return &Registry{tunnels: make(map[string]*Tunnel)}
}

func newAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b), nil
}

// Create allocates or restores a Tunnel. If suggestedID is non-empty and
// no tunnel with that id is currently live, the tunnel is restored under
// that id with a freshly generated apiKey (an existing detached record is
// reused); otherwise a fresh id is allocated. Returns the Tunnel and
// whether it was a restore.
func (r *Registry) Create(name, suggestedID string) (*Tunnel, bool, error) {
	key, err := newAPIKey()
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := suggestedID
	restored := false
	if id != "" {
		existing, ok := r.tunnels[id]
		switch {
		case !ok:
			restored = true
		case existing.Live() == nil:
			existing.mu.Lock()
			existing.APIKey = key
			existing.Name = name
			existing.mu.Unlock()
			return existing, true, nil
		default:
			id = uuid.NewString()
		}
	} else {
		id = uuid.NewString()
	}

	t := &Tunnel{
		ID:        id,
		APIKey:    key,
		Name:      name,
		CreatedAt: time.Now(),
	}
	r.tunnels[id] = t
	return t, restored, nil
}

// Lookup returns the Tunnel for tunnelId, or ErrNotFound.
func (r *Registry) Lookup(tunnelID string) (*Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[tunnelID]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Authenticate verifies apiKey against tunnelId using a constant-time
// comparison, returning the Tunnel on success.
func (r *Registry) Authenticate(tunnelID, apiKey string) (*Tunnel, error) {
	t, err := r.Lookup(tunnelID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	want := t.APIKey
	t.mu.Unlock()
	if subtle.ConstantTimeCompare([]byte(want), []byte(apiKey)) != 1 {
		return nil, ErrAuth
	}
	return t, nil
}

// Attach binds the live connection to the tunnel. If a previous
// connection exists, it is closed before the new one is attached.
func (r *Registry) Attach(t *Tunnel, conn Connection) {
	t.mu.Lock()
	old := t.conn
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	t.mu.Lock()
	t.conn = conn
	t.lastPongAt = time.Now()
	t.mu.Unlock()
}

// Detach removes the live connection, leaving the Tunnel record in place
// for a future restore.
func (r *Registry) Detach(tunnelID string) {
	t, err := r.Lookup(tunnelID)
	if err != nil {
		return
	}
	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
}

// SetClientAuthKey stores key against the tunnel. The latest registration
// wins — a repeated call overwrites rather than accumulates (see
// DESIGN.md's Open Questions).
func (r *Registry) SetClientAuthKey(tunnelID, key string) error {
	t, err := r.Lookup(tunnelID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.clientAuthKey = key
	t.mu.Unlock()
	return nil
}

// IsLive reports whether tunnelID currently has a live connection.
func (r *Registry) IsLive(tunnelID string) bool {
	t, err := r.Lookup(tunnelID)
	if err != nil {
		return false
	}
	return t.Live() != nil
}

// Count returns the number of registered tunnels (live or detached).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}
