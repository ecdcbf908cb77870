package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gitea.jw6.us/james/calsched/internal/logging"
	"gitea.jw6.us/james/calsched/internal/metrics"
	"gitea.jw6.us/james/calsched/internal/queue"
)

// DeliveryJobKind is the queue job kind for participant deliveries.
const DeliveryJobKind = "schedule.deliver"

// DeliveryJob carries one object copy to one participant.
type DeliveryJob struct {
	Recipient     string          `json:"recipient"`
	RecipientType ParticipantType `json:"recipient_type"`
	Organizer     string          `json:"organizer"`
	Class         DeliveryClass   `json:"class"`
	UID           string          `json:"uid"`
	Payload       []byte          `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	NotBefore     time.Time       `json:"not_before"`
}

// SkippedRecipient is a participant that gets no delivery.
type SkippedRecipient struct {
	UID     string `json:"uid"`
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// DeliveryPlan is the set of deliveries computed for one import.
type DeliveryPlan struct {
	Jobs    []DeliveryJob
	Skipped []SkippedRecipient
}

// DispatchReport summarizes what happened to a plan.
type DispatchReport struct {
	Planned   int  `json:"planned"`
	Enqueued  int  `json:"enqueued"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Inline    bool `json:"inline"`
}

// JobQueue accepts delivery jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// AddressResolver maps a calendar user address to a principal UID.
type AddressResolver interface {
	PrincipalForAddress(address string) (string, error)
}

// Dispatcher plans participant deliveries and hands them to the queue, or
// delivers inline when the queue is disabled.
type Dispatcher struct {
	policy    Policy
	queue     JobQueue
	deliverer *Deliverer
	resolver  AddressResolver
	logger    logging.Logger
	now       func() time.Time
}

// NewDispatcher wires a Dispatcher. q may be nil when policy.QueueEnabled is
// false.
func NewDispatcher(policy Policy, q JobQueue, deliverer *Deliverer, resolver AddressResolver, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		policy:    policy,
		queue:     q,
		deliverer: deliverer,
		resolver:  resolver,
		logger:    logger,
		now:       time.Now,
	}
}

// Plan computes one DeliveryJob per participant copy that has to be written
// outside the importing principal's collection.
func (d *Dispatcher) Plan(target Target, objects []CalendarObject) (*DeliveryPlan, error) {
	plan := &DeliveryPlan{}
	now := d.now()

	for i := range objects {
		obj := &objects[i]
		if !obj.Scheduled() {
			continue
		}
		payload, err := EncodeObject(obj)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", obj.UID, err)
		}

		organizer := obj.Organizer.Address
		organizerUID := d.principalOf(organizer)
		importerIsOrganizer := organizerUID != "" && organizerUID == target.PrincipalUID

		n := 0
		add := func(p Participant, class DeliveryClass) {
			notBefore := now.Add(d.policy.Delay(class))
			if class != ClassReply {
				if k := d.policy.batchIndex(n); k > 0 {
					class = ClassBatch
					notBefore = now.Add(d.policy.BatchOffset(k))
				}
				n++
			}
			plan.Jobs = append(plan.Jobs, DeliveryJob{
				Recipient:     p.Address,
				RecipientType: p.Type,
				Organizer:     organizer,
				Class:         class,
				UID:           obj.UID,
				Payload:       payload,
				EnqueuedAt:    now,
				NotBefore:     notBefore,
			})
		}
		skip := func(p Participant, reason string) {
			plan.Skipped = append(plan.Skipped, SkippedRecipient{UID: obj.UID, Address: p.Address, Reason: reason})
		}

		if !importerIsOrganizer {
			add(*obj.Organizer, ClassReply)
		}
		seen := make(map[string]bool, len(obj.Participants))
		for _, p := range obj.Participants {
			if strings.EqualFold(p.Address, organizer) {
				continue
			}
			uid := d.principalOf(p.Address)
			if uid != "" && (uid == organizerUID || uid == target.PrincipalUID) {
				continue
			}
			// One copy per principal even when it is listed under several
			// addresses.
			key := uid
			if key == "" {
				key = strings.ToLower(p.Address)
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			switch {
			case p.Type == ParticipantGroup:
				skip(p, "group")
			case !p.ServerScheduled():
				skip(p, "client-scheduled")
			case !importerIsOrganizer:
				// Only the organizer's copy fans out to other attendees.
			case p.Type == ParticipantRoom || p.Type == ParticipantResource:
				add(p, ClassAutoReply)
			default:
				add(p, ClassRequest)
			}
		}
	}
	return plan, nil
}

func (d *Dispatcher) principalOf(address string) string {
	if d.resolver == nil {
		return ""
	}
	uid, err := d.resolver.PrincipalForAddress(address)
	if err != nil {
		return ""
	}
	return uid
}

// Dispatch enqueues or delivers every planned job. Failures are logged and
// counted, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *DeliveryPlan) DispatchReport {
	report := DispatchReport{Inline: !d.policy.QueueEnabled || d.queue == nil}
	if plan == nil {
		return report
	}
	report.Planned = len(plan.Jobs)
	report.Skipped = len(plan.Skipped)
	for _, s := range plan.Skipped {
		metrics.ObserveDelivery(s.Reason, metrics.DeliverySkipped)
	}

	for _, job := range plan.Jobs {
		class := string(job.Class)
		if report.Inline {
			if err := d.deliverer.Deliver(ctx, job); err != nil {
				report.Failed++
				metrics.ObserveDelivery(class, metrics.DeliveryFailed)
				d.logger.Error(ctx, "inline delivery failed", "uid", job.UID, "recipient", job.Recipient, "error", err)
				continue
			}
			report.Delivered++
			metrics.ObserveDelivery(class, metrics.DeliveryCompleted)
			continue
		}

		payload, err := json.Marshal(job)
		if err == nil {
			err = d.queue.Enqueue(ctx, queue.Job{
				Kind:      DeliveryJobKind,
				Class:     class,
				Payload:   payload,
				NotBefore: job.NotBefore,
			})
		}
		if err != nil {
			report.Failed++
			metrics.ObserveDelivery(class, metrics.DeliveryFailed)
			d.logger.Error(ctx, "enqueue delivery failed", "uid", job.UID, "recipient", job.Recipient, "error", err)
			continue
		}
		report.Enqueued++
		metrics.ObserveDelivery(class, metrics.DeliveryEnqueued)
	}
	return report
}
