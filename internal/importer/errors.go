package importer

import "fmt"

// Validation failure reasons.
const (
	ReasonMissingSource    = "missing-source"
	ReasonInvalidComponent = "invalid-component"
)

// ValidationError reports input that cannot be imported. Nothing was written.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "invalid import: " + e.Reason
	}
	return fmt.Sprintf("invalid import: %s: %s", e.Reason, e.Detail)
}

// MergeError reports a store failure while writing the importer's own copy.
// The transaction was rolled back and no deliveries were dispatched.
type MergeError struct {
	Op  string
	Err error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("import %s: %v", e.Op, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// DeliveryError reports a failed participant delivery. Permanent errors are
// not retried.
type DeliveryError struct {
	Recipient string
	UID       string
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.UID, e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
