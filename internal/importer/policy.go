package importer

import (
	"time"

	"gitea.jw6.us/james/calsched/internal/config"
)

// DeliveryClass selects the pacing applied to a delivery job.
type DeliveryClass string

const (
	// ClassRequest is an organizer's copy going to an individual attendee.
	ClassRequest DeliveryClass = "request"
	// ClassAutoReply is an organizer's copy going to a room or resource.
	ClassAutoReply DeliveryClass = "auto-reply"
	// ClassReply is an attendee's import propagating back to the organizer.
	ClassReply DeliveryClass = "reply"
	// ClassBatch is an attendee beyond the first batch of a large invitation.
	ClassBatch DeliveryClass = "batch"
)

// Policy holds delivery pacing. Delays are minimum offsets from enqueue time.
type Policy struct {
	QueueEnabled   bool
	RequestDelay   time.Duration
	ReplyDelay     time.Duration
	AutoReplyDelay time.Duration
	BatchDelay     time.Duration
	BatchInterval  time.Duration
	// BatchSize recipients per object go out at their class delay; the rest
	// are spread across later batches. Zero disables batching.
	BatchSize int
}

// PolicyFromConfig copies the work queue settings.
func PolicyFromConfig(wq config.WorkQueues) Policy {
	return Policy{
		QueueEnabled:   wq.Enabled,
		RequestDelay:   wq.RequestDelay,
		ReplyDelay:     wq.ReplyDelay,
		AutoReplyDelay: wq.AutoReplyDelay,
		BatchDelay:     wq.AttendeeRefreshBatchDelay,
		BatchInterval:  wq.AttendeeRefreshBatchInterval,
		BatchSize:      wq.AttendeeRefreshBatch,
	}
}

// Delay returns the class delay. Batch jobs use BatchOffset instead.
func (p Policy) Delay(class DeliveryClass) time.Duration {
	switch class {
	case ClassRequest:
		return p.RequestDelay
	case ClassAutoReply:
		return p.AutoReplyDelay
	case ClassReply:
		return p.ReplyDelay
	case ClassBatch:
		return p.BatchDelay
	}
	return 0
}

// BatchOffset is the delay of batch k, counting from 1 for the first batch
// after the undelayed recipients.
func (p Policy) BatchOffset(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	return p.BatchDelay + time.Duration(k-1)*p.BatchInterval
}

// batchIndex returns the batch number for the n-th recipient (0-based) of one
// object, or 0 when it belongs to the first, unbatched group.
func (p Policy) batchIndex(n int) int {
	if p.BatchSize <= 0 || n < p.BatchSize {
		return 0
	}
	return n / p.BatchSize
}
