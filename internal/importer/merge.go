package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gitea.jw6.us/james/calsched/internal/caldoc"
	"gitea.jw6.us/james/calsched/internal/logging"
	"gitea.jw6.us/james/calsched/internal/metrics"
	"gitea.jw6.us/james/calsched/internal/store"
)

const maxResourceNameLength = 200

// Metadata is the collection-level properties carried by an import. Both keys
// are always written together; nil clears the stored value.
type Metadata struct {
	DisplayName *string
	Color       *string
}

// MergeStats summarizes one Upsert.
type MergeStats struct {
	Total   int
	Created int
	Updated int
}

// Merger writes calendar objects into one collection.
type Merger struct {
	logger logging.Logger
}

// NewMerger returns a Merger that logs through logger.
func NewMerger(logger logging.Logger) *Merger {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Merger{logger: logger}
}

// Upsert replaces the collection metadata when meta is non-nil, then creates
// or replaces every object by UID. Objects not in objects are left alone. It
// returns the number of objects in the collection afterwards. The caller owns
// the transaction.
func (m *Merger) Upsert(ctx context.Context, tx store.Tx, collection *store.Collection, meta *Metadata, objects []CalendarObject) (int, error) {
	stats, err := m.upsert(ctx, tx, collection, meta, objects)
	if err != nil {
		return 0, err
	}
	return stats.Total, nil
}

func (m *Merger) upsert(ctx context.Context, tx store.Tx, collection *store.Collection, meta *Metadata, objects []CalendarObject) (MergeStats, error) {
	var stats MergeStats
	if collection == nil {
		return stats, fmt.Errorf("upsert: %w", store.ErrNotFound)
	}

	if meta != nil {
		if err := tx.SetCollectionProperties(ctx, collection.ID, meta.DisplayName, meta.Color); err != nil {
			return stats, fmt.Errorf("set collection properties: %w", err)
		}
	}

	for i := range objects {
		created, err := m.putObject(ctx, tx, collection.ID, &objects[i])
		if err != nil {
			return stats, err
		}
		if created {
			stats.Created++
		} else {
			stats.Updated++
		}
	}

	total, err := tx.CountObjects(ctx, collection.ID)
	if err != nil {
		return stats, fmt.Errorf("count objects: %w", err)
	}
	stats.Total = total
	metrics.ObserveObjectsWritten(stats.Created, stats.Updated)
	m.logger.Debug(ctx, "merged calendar objects",
		"collection_id", collection.ID, "created", stats.Created, "updated", stats.Updated, "total", total)
	return stats, nil
}

func (m *Merger) putObject(ctx context.Context, tx store.Tx, collectionID int64, obj *CalendarObject) (bool, error) {
	raw, err := EncodeObject(obj)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", obj.UID, err)
	}
	row := store.Object{
		CollectionID:  collectionID,
		UID:           obj.UID,
		ResourceName:  ResourceName(obj.UID),
		ComponentType: obj.ComponentType,
		Sequence:      obj.Sequence,
		RawICAL:       string(raw),
		ETag:          store.GenerateETag(string(raw)),
	}
	if obj.Organizer != nil {
		org := obj.Organizer.Address
		row.Organizer = &org
	}

	_, created, err := tx.PutObject(ctx, row)
	if errors.Is(err, store.ErrConflict) {
		// The UID-derived name belongs to another object; fall back to a
		// hashed name.
		row.ResourceName = hashedResourceName(obj.UID)
		_, created, err = tx.PutObject(ctx, row)
	}
	if err != nil {
		return false, fmt.Errorf("write %s: %w", obj.UID, err)
	}
	return created, nil
}

// EncodeObject serializes an object as a standalone VCALENDAR.
func EncodeObject(obj *CalendarObject) ([]byte, error) {
	comps := obj.Components()
	if len(comps) == 0 {
		return nil, fmt.Errorf("object %s has no components", obj.UID)
	}
	return caldoc.Encode(caldoc.NewCalendar(obj.Timezones, comps...))
}

// ResourceName derives a storage name for a new object from its UID.
func ResourceName(uid string) string {
	var b strings.Builder
	for _, r := range uid {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == '@':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || len(name) > maxResourceNameLength || strings.Trim(name, ".") == "" {
		return hashedResourceName(uid)
	}
	return name + ".ics"
}

func hashedResourceName(uid string) string {
	return store.GenerateETag(uid)[:32] + ".ics"
}
