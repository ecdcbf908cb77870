// Package importer loads calendar documents into a principal's collection and
// fans scheduled objects out to every participant's own calendar.
package importer

import (
	"context"
	"errors"
	"fmt"

	"gitea.jw6.us/james/calsched/internal/caldoc"
	"gitea.jw6.us/james/calsched/internal/directory"
	"gitea.jw6.us/james/calsched/internal/logging"
	"gitea.jw6.us/james/calsched/internal/metrics"
	"gitea.jw6.us/james/calsched/internal/store"
)

// Directory resolves principals for import targets and deliveries.
type Directory interface {
	AddressResolver
	RecordWithShortName(recordType directory.RecordType, name string) (*directory.Record, error)
}

// Result describes a completed import.
type Result struct {
	Principal  string               `json:"principal"`
	Collection string               `json:"collection"`
	Objects    int                  `json:"objects"`
	Created    int                  `json:"created"`
	Updated    int                  `json:"updated"`
	Warnings   []AggregationWarning `json:"warnings,omitempty"`
	Deliveries DispatchReport       `json:"deliveries"`
}

// Importer is the import entry point.
type Importer struct {
	store      store.Transactor
	directory  Directory
	merger     *Merger
	dispatcher *Dispatcher
	logger     logging.Logger
}

// New wires an Importer.
func New(st store.Transactor, dir Directory, merger *Merger, dispatcher *Dispatcher, logger logging.Logger) *Importer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Importer{store: st, directory: dir, merger: merger, dispatcher: dispatcher, logger: logger}
}

// Import writes doc into its target collection in one transaction, then
// dispatches participant copies. Validation errors happen before the store is
// touched; merge errors roll everything back and dispatch nothing.
func (im *Importer) Import(ctx context.Context, doc *caldoc.Document) (*Result, error) {
	target, err := ResolveTarget(doc)
	if err != nil {
		metrics.ObserveImport("invalid")
		return nil, err
	}
	if target.PrincipalUID, err = im.principalFor(target); err != nil {
		metrics.ObserveImport("failed")
		return nil, &MergeError{Op: "resolve target", Err: err}
	}

	objects, warnings := aggregateDocument(doc)
	for _, w := range warnings {
		im.logger.Warn(ctx, "aggregation warning", "kind", w.Kind, "uid", w.UID, "detail", w.Detail)
	}
	if err := checkEncodable(objects); err != nil {
		metrics.ObserveImport("invalid")
		return nil, err
	}

	plan, stats, err := im.writeOwnCopy(ctx, target, doc, objects)
	if err != nil {
		metrics.ObserveImport("failed")
		return nil, err
	}

	report := im.dispatcher.Dispatch(ctx, plan)
	metrics.ObserveImport("ok")
	im.logger.Info(ctx, "calendar imported",
		"principal", target.PrincipalUID, "collection", target.Collection,
		"objects", stats.Total, "created", stats.Created, "updated", stats.Updated,
		"deliveries_planned", report.Planned, "deliveries_failed", report.Failed)

	return &Result{
		Principal:  target.PrincipalUID,
		Collection: target.Collection,
		Objects:    stats.Total,
		Created:    stats.Created,
		Updated:    stats.Updated,
		Warnings:   warnings,
		Deliveries: report,
	}, nil
}

func (im *Importer) principalFor(target Target) (string, error) {
	if target.ShortName != "" {
		rec, err := im.directory.RecordWithShortName(directory.RecordTypeUser, target.ShortName)
		if err != nil {
			return "", fmt.Errorf("principal %s: %w", target.ShortName, err)
		}
		return rec.UID, nil
	}
	return im.directory.PrincipalForAddress("urn:x-uid:" + target.PrincipalUID)
}

// writeOwnCopy merges objects into the target and commits. The delivery plan
// is computed before commit so an encoding failure aborts the import.
func (im *Importer) writeOwnCopy(ctx context.Context, target Target, doc *caldoc.Document, objects []CalendarObject) (*DeliveryPlan, MergeStats, error) {
	var stats MergeStats

	tx, err := im.store.Begin(ctx)
	if err != nil {
		return nil, stats, &MergeError{Op: "begin", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	home, err := tx.CalendarHome(ctx, target.PrincipalUID, true)
	if err != nil {
		return nil, stats, &MergeError{Op: "load home", Err: err}
	}
	collection, err := tx.Collection(ctx, home.ID, target.Collection, true)
	if err != nil {
		return nil, stats, &MergeError{Op: "load collection", Err: err}
	}

	meta := &Metadata{DisplayName: doc.Name, Color: doc.Color}
	stats, err = im.merger.upsert(ctx, tx, collection, meta, objects)
	if err != nil {
		return nil, stats, &MergeError{Op: "merge", Err: err}
	}

	plan, err := im.dispatcher.Plan(target, objects)
	if err != nil {
		return nil, stats, &MergeError{Op: "plan deliveries", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, stats, &MergeError{Op: "commit", Err: err}
	}
	return plan, stats, nil
}

// checkEncodable rejects objects the encoder refuses, such as a VEVENT
// without DTSTAMP, before anything is written.
func checkEncodable(objects []CalendarObject) error {
	for i := range objects {
		if _, err := EncodeObject(&objects[i]); err != nil {
			return &ValidationError{Reason: ReasonInvalidComponent, Detail: fmt.Sprintf("%s: %v", objects[i].UID, err)}
		}
	}
	return nil
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
