// Package memory is an in-process store.Transactor for tests and for running
// without a database. Transactions are serialized: Begin blocks until the
// previous transaction commits or rolls back.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gitea.jw6.us/james/calsched/internal/store"
)

type objectKey struct {
	collectionID int64
	uid          string
}

type state struct {
	nextID      int64
	homes       map[string]store.Home
	collections map[int64]store.Collection
	objects     map[objectKey]store.Object
}

func (s *state) clone() *state {
	out := &state{
		nextID:      s.nextID,
		homes:       make(map[string]store.Home, len(s.homes)),
		collections: make(map[int64]store.Collection, len(s.collections)),
		objects:     make(map[objectKey]store.Object, len(s.objects)),
	}
	for k, v := range s.homes {
		out.homes[k] = v
	}
	for k, v := range s.collections {
		out.collections[k] = v
	}
	for k, v := range s.objects {
		out.objects[k] = v
	}
	return out
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store holds committed state.
type Store struct {
	lock      chan struct{}
	mu        sync.RWMutex
	committed *state
	now       func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		lock: make(chan struct{}, 1),
		committed: &state{
			homes:       make(map[string]store.Home),
			collections: make(map[int64]store.Collection),
			objects:     make(map[objectKey]store.Object),
		},
		now: time.Now,
	}
}

// Begin waits for exclusive access and returns a transaction over a private
// copy of the committed state.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("begin transaction: %w", ctx.Err())
	}
	s.mu.RLock()
	working := s.committed.clone()
	s.mu.RUnlock()
	return &tx{store: s, state: working}, nil
}

// HealthCheck always succeeds.
func (s *Store) HealthCheck(context.Context) error { return nil }

var errTxDone = errors.New("transaction already finished")

type tx struct {
	store *Store
	state *state
	done  bool
}

func (t *tx) finish() {
	t.done = true
	<-t.store.lock
}

func (t *tx) check() error {
	if t.done {
		return errTxDone
	}
	return nil
}

func (t *tx) CalendarHome(_ context.Context, principalUID string, create bool) (*store.Home, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if h, ok := t.state.homes[principalUID]; ok {
		return &h, nil
	}
	if !create {
		return nil, store.ErrNotFound
	}
	h := store.Home{ID: t.state.id(), PrincipalUID: principalUID, CreatedAt: t.store.now()}
	t.state.homes[principalUID] = h
	return &h, nil
}

func (t *tx) Collection(_ context.Context, homeID int64, name string, create bool) (*store.Collection, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	for _, c := range t.state.collections {
		if c.HomeID == homeID && c.Name == name {
			return &c, nil
		}
	}
	if !create {
		return nil, store.ErrNotFound
	}
	now := t.store.now()
	c := store.Collection{ID: t.state.id(), HomeID: homeID, Name: name, CreatedAt: now, UpdatedAt: now}
	t.state.collections[c.ID] = c
	return &c, nil
}

func (t *tx) SetCollectionProperties(_ context.Context, collectionID int64, displayName, color *string) error {
	if err := t.check(); err != nil {
		return err
	}
	c, ok := t.state.collections[collectionID]
	if !ok {
		return store.ErrNotFound
	}
	c.DisplayName = copyString(displayName)
	c.Color = copyString(color)
	c.UpdatedAt = t.store.now()
	t.state.collections[collectionID] = c
	return nil
}

func (t *tx) ObjectByUID(_ context.Context, collectionID int64, uid string) (*store.Object, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	o, ok := t.state.objects[objectKey{collectionID, uid}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (t *tx) FindObject(_ context.Context, homeID int64, uid string) (*store.Object, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var found *store.Object
	for k, o := range t.state.objects {
		if k.uid != uid || t.state.collections[k.collectionID].HomeID != homeID {
			continue
		}
		if found == nil || o.ID < found.ID {
			found = &o
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (t *tx) PutObject(_ context.Context, obj store.Object) (*store.Object, bool, error) {
	if err := t.check(); err != nil {
		return nil, false, err
	}
	if _, ok := t.state.collections[obj.CollectionID]; !ok {
		return nil, false, store.ErrNotFound
	}
	if obj.ETag == "" {
		obj.ETag = store.GenerateETag(obj.RawICAL)
	}
	obj.Organizer = copyString(obj.Organizer)
	obj.LastModified = t.store.now()

	key := objectKey{obj.CollectionID, obj.UID}
	if existing, ok := t.state.objects[key]; ok {
		obj.ID = existing.ID
		obj.ResourceName = existing.ResourceName
		t.state.objects[key] = obj
		return &obj, false, nil
	}
	for k, o := range t.state.objects {
		if k.collectionID == obj.CollectionID && o.ResourceName == obj.ResourceName {
			return nil, false, fmt.Errorf("%w: resource %s already holds another object", store.ErrConflict, obj.ResourceName)
		}
	}
	obj.ID = t.state.id()
	t.state.objects[key] = obj
	return &obj, true, nil
}

func (t *tx) ListObjects(_ context.Context, collectionID int64) ([]store.Object, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var out []store.Object
	for k, o := range t.state.objects {
		if k.collectionID == collectionID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceName < out[j].ResourceName })
	return out, nil
}

func (t *tx) CountObjects(_ context.Context, collectionID int64) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	n := 0
	for k := range t.state.objects {
		if k.collectionID == collectionID {
			n++
		}
	}
	return n, nil
}

func (t *tx) Commit(context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.store.mu.Lock()
	t.store.committed = t.state
	t.store.mu.Unlock()
	t.finish()
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
