// Package snapshot persists suspended execution cycles while they wait
// for a human decision.
//
// A snapshot holds the interpreter's opaque checkpoint plus enough
// metadata for an approval UI to describe what is pending. Snapshots are
// written once, move from pending_approval to resumed exactly once, and
// are never overwritten.
package snapshot

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a snapshot id does not exist.
	ErrNotFound = errors.New("snapshot not found")
	// ErrAlreadyResumed is returned when a snapshot has already left
	// pending_approval. The gated action must not be applied again.
	ErrAlreadyResumed = errors.New("snapshot already resumed")
)

// Status is a snapshot's lifecycle state.
type Status string

const (
	StatusPending Status = "pending_approval"
	StatusResumed Status = "resumed"
)

// Resolution records how a resumed snapshot was decided.
type Resolution string

const (
	ResolutionApproved Resolution = "approved"
	ResolutionDenied   Resolution = "denied"
)

// PendingArgs is the argument bag of the gated call as the program
// supplied it.
type PendingArgs struct {
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// Record is the data needed to create a snapshot.
type Record struct {
	Subject        string
	CycleID        string
	Checkpoint     []byte
	PendingName    string
	PendingArgs    PendingArgs
	Tier           int
	SecureHandover bool
	Description    string
}

// Snapshot is a persisted suspended cycle. Checkpoint is only populated
// by Load and Claim; list operations leave it nil and set ByteSize.
type Snapshot struct {
	ID             uuid.UUID   `json:"id"`
	Subject        string      `json:"subject"`
	CycleID        string      `json:"cycle_id"`
	Checkpoint     []byte      `json:"-"`
	ByteSize       int64       `json:"byte_size"`
	PendingName    string      `json:"pending_name"`
	PendingArgs    PendingArgs `json:"pending_args"`
	Tier           int         `json:"tier"`
	SecureHandover bool        `json:"secure_handover"`
	Status         Status      `json:"status"`
	Resolution     Resolution  `json:"resolution,omitempty"`
	Description    string      `json:"description"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	ResumedAt      *time.Time  `json:"resumed_at,omitempty"`
}
