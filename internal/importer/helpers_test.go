package importer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gitea.jw6.us/james/calsched/internal/caldoc"
	"gitea.jw6.us/james/calsched/internal/directory"
	"gitea.jw6.us/james/calsched/internal/queue"
	"gitea.jw6.us/james/calsched/internal/store"
	"gitea.jw6.us/james/calsched/internal/store/memory"
)

func crlf(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}

func parseDoc(t *testing.T, text string) *caldoc.Document {
	t.Helper()
	doc, err := caldoc.ParseString(crlf(text))
	if err != nil {
		t.Fatalf("parse document: %v", err)
	}
	return doc
}

func testDirectory(t *testing.T) *directory.Service {
	t.Helper()
	dir, err := directory.New([]directory.Record{
		{UID: "user01", ShortNames: []string{"user01"}, EmailAddresses: []string{"user01@example.com"}},
		{UID: "user02", ShortNames: []string{"user02"}, EmailAddresses: []string{"user02@example.com"}},
		{UID: "user03", ShortNames: []string{"user03"}},
		{UID: "user04", ShortNames: []string{"user04"}},
		{UID: "user05", ShortNames: []string{"user05"}},
		{UID: "mercury", Type: directory.RecordTypeLocation, ShortNames: []string{"mercury"}},
		{UID: "projector", Type: directory.RecordTypeResource, ShortNames: []string{"projector"}},
		{UID: "staff", Type: directory.RecordTypeGroup, ShortNames: []string{"staff"}, Members: []string{"user02", "user03"}},
	}, false)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	return dir
}

type harness struct {
	store      *memory.Store
	dir        *directory.Service
	queue      *queue.Queue
	dispatcher *Dispatcher
	importer   *Importer
}

func fastPolicy(enabled bool) Policy {
	return Policy{
		QueueEnabled:   enabled,
		RequestDelay:   10 * time.Millisecond,
		ReplyDelay:     10 * time.Millisecond,
		AutoReplyDelay: 10 * time.Millisecond,
		BatchDelay:     10 * time.Millisecond,
		BatchInterval:  10 * time.Millisecond,
		BatchSize:      5,
	}
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{store: memory.New(), dir: testDirectory(t)}
	merger := NewMerger(nil)
	deliverer := NewDeliverer(h.store, h.dir, merger, "", nil)

	var q JobQueue
	if policy.QueueEnabled {
		h.queue = queue.New(queue.Options{
			Workers:         3,
			MaxAttempts:     2,
			RetryBackoff:    5 * time.Millisecond,
			MaxRetryBackoff: 10 * time.Millisecond,
			IdlePoll:        10 * time.Millisecond,
		}, nil)
		h.queue.Register(DeliveryJobKind, deliverer.HandleJob)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			_ = h.queue.Run(ctx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		q = h.queue
	}

	h.dispatcher = NewDispatcher(policy, q, deliverer, h.dir, nil)
	h.importer = New(h.store, h.dir, merger, h.dispatcher, nil)
	return h
}

func (h *harness) importText(t *testing.T, text string) *Result {
	t.Helper()
	res, err := h.importer.Import(context.Background(), parseDoc(t, text))
	if err != nil {
		t.Fatalf("Import returned error: %v", err)
	}
	return res
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	if h.queue == nil {
		return
	}
	if err := h.queue.WaitEmpty(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}
}

// collection returns the collection and its objects, or nil when the home or
// collection does not exist.
func (h *harness) collection(t *testing.T, principal, name string) (*store.Collection, []store.Object) {
	t.Helper()
	ctx := context.Background()
	tx, err := h.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	home, err := tx.CalendarHome(ctx, principal, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		t.Fatalf("home %s: %v", principal, err)
	}
	coll, err := tx.Collection(ctx, home.ID, name, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		t.Fatalf("collection %s: %v", name, err)
	}
	objs, err := tx.ListObjects(ctx, coll.ID)
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	return coll, objs
}

func uids(objs []store.Object) map[string]store.Object {
	out := make(map[string]store.Object, len(objs))
	for _, o := range objs {
		out[o.UID] = o
	}
	return out
}

func strPtr(s string) *string { return &s }

func derefString(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}
