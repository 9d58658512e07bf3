package models

import "fmt"

// OutcomeKind tags a delivery outcome
type OutcomeKind string

const (
	OutcomeDelivered       OutcomeKind = "delivered"
	OutcomePartiallyFailed OutcomeKind = "partially_failed"
	OutcomeFailed          OutcomeKind = "failed"
)

// Outcome is the result of delivering one batch to the sink.
// Indices is only set for PartiallyFailed and lists the batch positions of
// the records the sink never accepted. Reason and Code are set for both
// failure kinds.
//
// Rejected lists the failed positions the sink refused per record with a
// permanent error. When it differs from the full failed set, Code and Reason
// describe the remaining records and RejectedReason the refused ones.
type Outcome struct {
	Kind           OutcomeKind
	Indices        []int
	Reason         string
	Code           string
	Attempts       int
	Rejected       []int
	RejectedReason string
}

// Delivered builds a successful outcome
func Delivered(attempts int) Outcome {
	return Outcome{Kind: OutcomeDelivered, Attempts: attempts}
}

// PartiallyFailed builds an outcome for a batch where only some records
// were accepted
func PartiallyFailed(indices []int, reason string, attempts int) Outcome {
	return Outcome{Kind: OutcomePartiallyFailed, Indices: indices, Reason: reason, Attempts: attempts}
}

// Failed builds an outcome for a batch where nothing was accepted
func Failed(reason string, attempts int) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason, Attempts: attempts}
}

// IsDelivered reports whether every record reached the sink
func (o Outcome) IsDelivered() bool {
	return o.Kind == OutcomeDelivered
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeDelivered:
		return fmt.Sprintf("delivered after %d attempt(s)", o.Attempts)
	case OutcomePartiallyFailed:
		return fmt.Sprintf("%d record(s) failed after %d attempt(s): %s", len(o.Indices), o.Attempts, o.Reason)
	default:
		return fmt.Sprintf("failed after %d attempt(s): %s", o.Attempts, o.Reason)
	}
}

// FailureReason describes why records ended up in the failure store
type FailureReason struct {
	Code     string
	Message  string
	Attempts int
}

// Failure error codes written alongside captured records
const (
	CodeTransient = "DeliveryTransientError"
	CodePermanent = "DeliveryPermanentError"
	CodeTimeout   = "DeliveryTimeout"
	CodeRejected  = "RecordRejected"
	CodeTransform = "ProcessingFailed"
	CodeShutdown  = "ShutdownInterrupted"
)

// FailureReason converts a failed outcome into a failure reason
func (o Outcome) FailureReason() FailureReason {
	return FailureReason{Code: o.Code, Message: o.Reason, Attempts: o.Attempts}
}

// RejectedFailureReason describes the records listed in Rejected
func (o Outcome) RejectedFailureReason() FailureReason {
	return FailureReason{Code: CodeRejected, Message: o.RejectedReason, Attempts: o.Attempts}
}

// Mixed reports whether the failed records split into per-record
// rejections and records that failed for another reason
func (o Outcome) Mixed() bool {
	return len(o.Rejected) > 0 && o.Code != CodeRejected
}
