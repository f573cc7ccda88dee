package server

import (
	"fmt"
	"sort"
	"sync"

	"github.com/livefish/cmdrelay/pkg/protocol"
)

// Registry tracks connected sessions by id and role, plus every id ever
// registered. One mutex guards all four tables so each operation is atomic
// with respect to the others.
//
// Invariants: a session in admins or clients is also in all under the same
// id; an id is online at most once; registered ids are never removed.
type Registry struct {
	mu         sync.Mutex
	all        map[int32]*Session
	admins     map[int32]*Session
	clients    map[int32]*Session
	registered map[int32]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		all:        make(map[int32]*Session),
		admins:     make(map[int32]*Session),
		clients:    make(map[int32]*Session),
		registered: make(map[int32]struct{}),
	}
}

// register must be called with mu held
func (r *Registry) register(s *Session) error {
	if s.ID <= 0 {
		return fmt.Errorf("%w: cannot register session with id %d", ErrProtocolViolation, s.ID)
	}
	if _, online := r.all[s.ID]; online {
		return fmt.Errorf("%w: id %d", ErrAlreadyOnline, s.ID)
	}

	switch s.Role {
	case protocol.RoleAdmin:
		r.admins[s.ID] = s
	case protocol.RoleClient:
		r.clients[s.ID] = s
	default:
		return fmt.Errorf("%w: cannot register %s session", ErrProtocolViolation, s.Role)
	}
	r.all[s.ID] = s
	return nil
}

// Register inserts a session that already carries its id and role. It fails
// with ErrAlreadyOnline if another session holds the id.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(s)
}

// Admit assigns id and role to s and registers it in one atomic step. The id
// must already be in the registered set.
func (r *Registry) Admit(s *Session, id int32, role protocol.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registered[id]; !ok {
		return fmt.Errorf("id %d is not registered", id)
	}
	if _, online := r.all[id]; online {
		return fmt.Errorf("%w: id %d", ErrAlreadyOnline, id)
	}
	if role != protocol.RoleAdmin && role != protocol.RoleClient {
		return fmt.Errorf("%w: cannot admit %s session", ErrProtocolViolation, role)
	}
	s.ID = id
	s.Role = role
	return r.register(s)
}

// Unregister removes s from every connected table. Entries that now belong to
// a newer session with the same id are left alone. It reports whether s was
// registered.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.all[s.ID]; !ok || current != s {
		return false
	}
	delete(r.all, s.ID)
	delete(r.admins, s.ID)
	delete(r.clients, s.ID)
	return true
}

// IsOnline reports whether any session holds id
func (r *Registry) IsOnline(id int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.all[id]
	return ok
}

func (r *Registry) LookupClient(id int32) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.clients[id]
	return s, ok
}

func (r *Registry) LookupAdmin(id int32) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.admins[id]
	return s, ok
}

func snapshot(m map[int32]*Session) []*Session {
	sessions := make([]*Session, 0, len(m))
	for _, s := range m {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// AllClients returns a snapshot of connected clients ordered by id
func (r *Registry) AllClients() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.clients)
}

// All returns a snapshot of every connected session ordered by id
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.all)
}

// Reserve adds id to the registered set. It returns false if the id was
// already registered.
func (r *Registry) Reserve(id int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registered[id]; ok {
		return false
	}
	r.registered[id] = struct{}{}
	return true
}

// IsRegistered reports whether id was ever registered
func (r *Registry) IsRegistered(id int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registered[id]
	return ok
}

// SeedRegistered loads previously registered ids
func (r *Registry) SeedRegistered(ids []int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.registered[id] = struct{}{}
	}
}

// RegisteredCount returns the size of the registered set
func (r *Registry) RegisteredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered)
}

// Counts returns the number of connected admins and clients
func (r *Registry) Counts() (admins, clients int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.admins), len(r.clients)
}
