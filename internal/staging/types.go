package staging

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchStatus tracks the lifecycle of an ingestion batch.
//
// Transitions are monotonic: Pending may move to Committed or Failed, and
// both of those are terminal. Backends enforce this at the SQL level so a
// crashed writer can never un-commit a batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchCommitted BatchStatus = "committed"
	BatchFailed    BatchStatus = "failed"
)

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to BatchStatus) bool {
	return from == BatchPending && (to == BatchCommitted || to == BatchFailed)
}

// ParseBatchStatus converts a stored status string.
func ParseBatchStatus(s string) (BatchStatus, error) {
	switch BatchStatus(s) {
	case BatchPending, BatchCommitted, BatchFailed:
		return BatchStatus(s), nil
	default:
		return "", fmt.Errorf("staging: invalid batch status %q", s)
	}
}

// RawRecord is one staged JSON document. Immutable once written.
type RawRecord struct {
	ID          string
	Partition   string
	SourcePath  string
	Fingerprint string
	IngestedAt  time.Time
	// Body is the canonical JSON encoding of the record.
	Body []byte
}

// Batch groups the records committed by one ingestion chunk.
type Batch struct {
	ID          string
	Partition   string
	Status      BatchStatus
	FileCount   int
	RecordCount int
	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
	Error       string
}

// NewBatch creates a Pending batch with a fresh id.
func NewBatch(partition string) Batch {
	now := time.Now().UTC()
	return Batch{
		ID:        uuid.NewString(),
		Partition: partition,
		Status:    BatchPending,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// ResourceError marks staging-store unavailability (unreachable database,
// disk full). It is always fatal for the running stage.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("staging: %s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }
