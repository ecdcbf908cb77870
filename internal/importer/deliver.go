package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gitea.jw6.us/james/calsched/internal/caldoc"
	"gitea.jw6.us/james/calsched/internal/logging"
	"gitea.jw6.us/james/calsched/internal/metrics"
	"gitea.jw6.us/james/calsched/internal/queue"
	"gitea.jw6.us/james/calsched/internal/store"
)

// DefaultCollection receives participant copies when none is configured.
const DefaultCollection = "calendar"

// calendarOwner is implemented by resolvers that know which principals may
// own calendars.
type calendarOwner interface {
	HasCalendar(principalUID string) bool
}

// Deliverer writes one participant copy into that participant's default
// collection.
type Deliverer struct {
	store      store.Transactor
	resolver   AddressResolver
	merger     *Merger
	collection string
	logger     logging.Logger
}

// NewDeliverer wires a Deliverer. An empty collection name means
// DefaultCollection.
func NewDeliverer(st store.Transactor, resolver AddressResolver, merger *Merger, collection string, logger logging.Logger) *Deliverer {
	if collection == "" {
		collection = DefaultCollection
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Deliverer{store: st, resolver: resolver, merger: merger, collection: collection, logger: logger}
}

// Deliver runs one job in its own transaction. A reply only lands when the
// organizer holds no copy of the object or holds an older SEQUENCE; the
// organizer's copy is authoritative.
func (d *Deliverer) Deliver(ctx context.Context, job DeliveryJob) error {
	fail := func(permanent bool, err error) error {
		return &DeliveryError{Recipient: job.Recipient, UID: job.UID, Permanent: permanent, Err: err}
	}

	principal, err := d.resolver.PrincipalForAddress(job.Recipient)
	if err != nil {
		return fail(true, err)
	}
	if owner, ok := d.resolver.(calendarOwner); ok && !owner.HasCalendar(principal) {
		return fail(true, fmt.Errorf("principal %s has no calendar home", principal))
	}

	cal, err := caldoc.Decode(job.Payload)
	if err != nil {
		return fail(true, err)
	}
	objects, _ := aggregateDocument(caldoc.FromCalendar(cal))
	if len(objects) != 1 || objects[0].UID != job.UID {
		return fail(true, fmt.Errorf("payload holds %d objects, want exactly %s", len(objects), job.UID))
	}

	tx, err := d.store.Begin(ctx)
	if err != nil {
		return fail(false, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	home, err := tx.CalendarHome(ctx, principal, true)
	if err != nil {
		return fail(false, fmt.Errorf("provision home %s: %w", principal, err))
	}

	var collection *store.Collection
	if job.Class == ClassReply {
		held, err := tx.FindObject(ctx, home.ID, job.UID)
		switch {
		case err == nil && held.Sequence >= objects[0].Sequence:
			d.logger.Info(ctx, "organizer copy is current, reply not applied",
				"uid", job.UID, "recipient", job.Recipient, "stored_sequence", held.Sequence, "reply_sequence", objects[0].Sequence)
			return nil
		case err == nil:
			collection = &store.Collection{ID: held.CollectionID, HomeID: home.ID}
		case !errors.Is(err, store.ErrNotFound):
			return fail(false, fmt.Errorf("look up organizer copy %s: %w", job.UID, err))
		}
	}
	if collection == nil {
		collection, err = tx.Collection(ctx, home.ID, d.collection, true)
		if err != nil {
			return fail(false, fmt.Errorf("provision collection %s: %w", d.collection, err))
		}
	}
	if _, err := d.merger.Upsert(ctx, tx, collection, nil, objects); err != nil {
		return fail(false, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(false, err)
	}

	d.logger.Info(ctx, "delivered scheduling copy",
		"uid", job.UID, "recipient", job.Recipient, "principal", principal, "class", job.Class)
	return nil
}

// HandleJob adapts Deliver to the work queue. Unknown recipients and broken
// payloads are marked permanent.
func (d *Deliverer) HandleJob(ctx context.Context, j queue.Job) error {
	var job DeliveryJob
	if err := json.Unmarshal(j.Payload, &job); err != nil {
		return queue.Permanent(fmt.Errorf("decode delivery job %s: %w", j.ID, err))
	}

	err := d.Deliver(ctx, job)
	if err == nil {
		metrics.ObserveDelivery(j.Class, metrics.DeliveryCompleted)
		return nil
	}
	metrics.ObserveDelivery(j.Class, metrics.DeliveryFailed)

	var derr *DeliveryError
	if errors.As(err, &derr) && derr.Permanent {
		return queue.Permanent(err)
	}
	return err
}
