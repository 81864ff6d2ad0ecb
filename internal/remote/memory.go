package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketledger/budget/internal/identity"
	"github.com/pocketledger/budget/internal/record"
)

// Operation names accepted by FailNext and Calls.
const (
	OpCreate = "create"
	OpList   = "list"
	OpUpdate = "update"
	OpDelete = "delete"
)

// AuthoritativeIDPrefix marks ids minted by a store of record.
const AuthoritativeIDPrefix = "rec_"

// NewAuthoritativeID returns a fresh store-minted id.
func NewAuthoritativeID() string {
	return AuthoritativeIDPrefix + uuid.NewString()
}

type collection struct {
	byID  map[string]Stored
	byRef map[string]string
}

// Memory is an in-process store of record. It is used by tests and by
// offline demos, and can simulate outages, rejected credentials, and
// responses lost after the store applied a change.
type Memory struct {
	mu        sync.Mutex
	owners    map[string]*collection
	tokens    map[string]string // owner -> token; empty map accepts any token
	reachable bool
	failNext  map[string]error
	dropNext  map[string]bool
	calls     map[string]int
	now       func() time.Time
}

var _ Client = (*Memory)(nil)

// NewMemory returns an empty, reachable store.
func NewMemory() *Memory {
	return &Memory{
		owners:    make(map[string]*collection),
		tokens:    make(map[string]string),
		reachable: true,
		failNext:  make(map[string]error),
		dropNext:  make(map[string]bool),
		calls:     make(map[string]int),
		now:       time.Now,
	}
}

// SetReachable simulates the store going away or coming back.
func (m *Memory) SetReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reachable = ok
}

// RequireToken makes calls for owner succeed only with token.
func (m *Memory) RequireToken(owner, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[owner] = token
}

// FailNext makes the next call of op return err without applying anything.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

// DropNextResponse makes the next call of op apply its change and then
// report record.ErrUnreachable, as if the response was lost in transit.
func (m *Memory) DropNextResponse(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropNext[op] = true
}

// Calls returns how many times op was attempted.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Records returns a snapshot of owner's records ordered by creation time.
func (m *Memory) Records(owner string) []Stored {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(owner)
}

// Seed stores a record directly, as if another device had created it.
// A missing id is minted.
func (m *Memory) Seed(owner string, s Stored) Stored {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = NewAuthoritativeID()
	}
	now := m.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	c := m.collection(owner)
	c.byID[s.ID] = s
	if s.ClientRef != "" {
		c.byRef[s.ClientRef] = s.ID
	}
	return s
}

// Remove deletes a record directly, as if another device had deleted it.
func (m *Memory) Remove(owner, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(owner)
	if s, ok := c.byID[id]; ok {
		delete(c.byRef, s.ClientRef)
		delete(c.byID, id)
	}
}

// Create implements Client.
func (m *Memory) Create(ctx context.Context, id identity.Identity, f record.Fields, idempotencyKey string) (Stored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, OpCreate, id); err != nil {
		return Stored{}, err
	}
	if err := f.Validate(); err != nil {
		return Stored{}, err
	}

	c := m.collection(id.Owner)
	if existing, ok := c.byRef[idempotencyKey]; ok && idempotencyKey != "" {
		return c.byID[existing], m.finish(OpCreate)
	}

	now := m.now()
	s := Stored{
		ID:        NewAuthoritativeID(),
		Fields:    f,
		ClientRef: idempotencyKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.byID[s.ID] = s
	if idempotencyKey != "" {
		c.byRef[idempotencyKey] = s.ID
	}
	if err := m.finish(OpCreate); err != nil {
		return Stored{}, err
	}
	return s, nil
}

// List implements Client.
func (m *Memory) List(ctx context.Context, id identity.Identity) ([]Stored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, OpList, id); err != nil {
		return nil, err
	}
	out := m.snapshot(id.Owner)
	if err := m.finish(OpList); err != nil {
		return nil, err
	}
	return out, nil
}

// Update implements Client.
func (m *Memory) Update(ctx context.Context, id identity.Identity, recordID string, f record.Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, OpUpdate, id); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	c := m.collection(id.Owner)
	s, ok := c.byID[recordID]
	if !ok {
		return fmt.Errorf("record %s: %w", recordID, record.ErrNotFound)
	}
	s.Fields = f
	s.UpdatedAt = m.now()
	c.byID[recordID] = s
	return m.finish(OpUpdate)
}

// Delete implements Client.
func (m *Memory) Delete(ctx context.Context, id identity.Identity, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, OpDelete, id); err != nil {
		return err
	}
	c := m.collection(id.Owner)
	s, ok := c.byID[recordID]
	if !ok {
		return fmt.Errorf("record %s: %w", recordID, record.ErrNotFound)
	}
	delete(c.byRef, s.ClientRef)
	delete(c.byID, recordID)
	return m.finish(OpDelete)
}

// Ping implements Client.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reachable {
		return record.ErrUnreachable
	}
	return ctx.Err()
}

// begin counts the call and applies reachability, injected failures and
// credentials. m.mu must be held.
func (m *Memory) begin(ctx context.Context, op string, id identity.Identity) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", record.ErrUnreachable, err)
	}
	if !m.reachable {
		return fmt.Errorf("%s: %w", op, record.ErrUnreachable)
	}
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	if err := id.Validate(); err != nil {
		return err
	}
	if want, ok := m.tokens[id.Owner]; ok && want != id.Token {
		return fmt.Errorf("token rejected for %s: %w", id.Owner, record.ErrUnauthorized)
	}
	return nil
}

// finish reports a lost response when one was requested. m.mu must be held.
func (m *Memory) finish(op string) error {
	if m.dropNext[op] {
		delete(m.dropNext, op)
		return fmt.Errorf("%s response lost: %w", op, record.ErrUnreachable)
	}
	return nil
}

func (m *Memory) collection(owner string) *collection {
	c, ok := m.owners[owner]
	if !ok {
		c = &collection{byID: make(map[string]Stored), byRef: make(map[string]string)}
		m.owners[owner] = c
	}
	return c
}

func (m *Memory) snapshot(owner string) []Stored {
	c, ok := m.owners[owner]
	if !ok {
		return nil
	}
	out := make([]Stored, 0, len(c.byID))
	for _, s := range c.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
