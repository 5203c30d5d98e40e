package files

import (
	"context"
	"sort"
	"sync"
	"time"

	"courier/cmd/internal/apperr"
)

// memStore mirrors PostgresStore semantics in memory.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]*Envelope
	owners  map[string]bool
	down    bool
	imports map[string]time.Time
}

func newMemStore(owners ...string) *memStore {
	m := &memStore{
		rows:    map[string]*Envelope{},
		owners:  map[string]bool{},
		imports: map[string]time.Time{},
	}
	for _, o := range owners {
		m.owners[o] = true
	}
	return m
}

func (m *memStore) setDown(v bool) {
	m.mu.Lock()
	m.down = v
	m.mu.Unlock()
}

func (m *memStore) unavailable(op string) error {
	if m.down {
		return apperr.New(op, apperr.ErrTransient, "acquire timeout")
	}
	return nil
}

func (m *memStore) Insert(_ context.Context, e Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable("mem.Insert"); err != nil {
		return err
	}
	if !m.owners[e.OwnerID] {
		return apperr.New("mem.Insert", apperr.ErrNotFound, "owner not found")
	}
	cp := e
	cp.Ciphertext = append([]byte(nil), e.Ciphertext...)
	m.rows[e.ID] = &cp
	return nil
}

func (m *memStore) filter(keep func(*Envelope) bool, limit int) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable("mem.List"); err != nil {
		return nil, err
	}
	var out []Summary
	for _, e := range m.rows {
		if e.Deleted || !keep(e) {
			continue
		}
		out = append(out, Summary{ID: e.ID, Name: e.Name, Size: e.Size, CreatedAt: e.CreatedAt, Printed: e.Printed, PrintedAt: e.PrintedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListByUploader(_ context.Context, uploaderID string, limit int) ([]Summary, error) {
	return m.filter(func(e *Envelope) bool { return e.UploaderID != nil && *e.UploaderID == uploaderID }, limit)
}

func (m *memStore) ListByOwner(_ context.Context, ownerID string, limit int) ([]Summary, error) {
	return m.filter(func(e *Envelope) bool { return e.OwnerID == ownerID }, limit)
}

func (m *memStore) ListRecent(_ context.Context, limit int) ([]Summary, error) {
	return m.filter(func(*Envelope) bool { return true }, limit)
}

func (m *memStore) State(_ context.Context, id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable("mem.State"); err != nil {
		return State{}, err
	}
	e, ok := m.rows[id]
	if !ok {
		return State{}, apperr.New("mem.State", apperr.ErrNotFound, "file not found")
	}
	return State{OwnerID: e.OwnerID, Deleted: e.Deleted}, nil
}

func (m *memStore) Get(_ context.Context, id string) (Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable("mem.Get"); err != nil {
		return Envelope{}, err
	}
	e, ok := m.rows[id]
	if !ok || e.Deleted {
		return Envelope{}, apperr.New("mem.Get", apperr.ErrNotFound, "file not found")
	}
	cp := *e
	cp.Ciphertext = append([]byte(nil), e.Ciphertext...)
	return cp, nil
}

func (m *memStore) Destroy(_ context.Context, id, ownerID string, now time.Time) (Envelope, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable("mem.Destroy"); err != nil {
		return Envelope{}, false, err
	}
	e, ok := m.rows[id]
	if !ok || e.Deleted || e.OwnerID != ownerID {
		return Envelope{}, false, nil
	}
	t := now
	e.Deleted, e.DeletedAt = true, &t
	e.Printed, e.PrintedAt = true, &t
	e.Ciphertext, e.IV, e.AuthTag, e.WrappedKey = nil, "", "", ""
	return *e, true, nil
}

func (m *memStore) History(_ context.Context, ownerID string, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for _, e := range m.rows {
		if e.Deleted && e.OwnerID == ownerID {
			out = append(out, HistoryEntry{ID: e.ID, Name: e.Name, Size: e.Size, CreatedAt: e.CreatedAt, PrintedAt: e.PrintedAt, DeletedAt: e.DeletedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.After(*out[j].DeletedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Import(_ context.Context, e Envelope, importedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable("mem.Import"); err != nil {
		return false, err
	}
	if !m.owners[e.OwnerID] {
		return false, apperr.New("mem.Import", apperr.ErrNotFound, "owner not found")
	}
	if _, ok := m.rows[e.ID]; ok {
		return false, nil
	}
	cp := e
	m.rows[e.ID] = &cp
	m.imports[e.ID] = importedAt
	return true, nil
}

type memFallback struct {
	mu   sync.Mutex
	recs map[string]Pending
	fail error
}

func newMemFallback() *memFallback { return &memFallback{recs: map[string]Pending{}} }

func (f *memFallback) Name() string { return "memory" }

func (f *memFallback) Put(_ context.Context, p Pending) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.recs[p.Envelope.ID] = p
	return nil
}

func (f *memFallback) List(_ context.Context, limit int) ([]Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Pending
	for _, p := range f.recs {
		if p.State == StatePendingImport {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoredAt.Before(out[j].StoredAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *memFallback) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[id]; !ok {
		return ErrPendingNotFound
	}
	delete(f.recs, id)
	return nil
}

func (f *memFallback) Reject(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.recs[id]
	if !ok {
		return ErrPendingNotFound
	}
	p.State, p.Reason = StateRejected, reason
	f.recs[id] = p
	return nil
}

func (f *memFallback) Count(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.recs {
		if p.State == StatePendingImport {
			n++
		}
	}
	return n, nil
}

type published struct {
	owner string
	typ   string
	p     EventPayload
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *recordingNotifier) Publish(ownerID, typ string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{owner: ownerID, typ: typ, p: payload.(EventPayload)})
}

func (n *recordingNotifier) all() []published {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]published(nil), n.events...)
}
