// Package ids defines the typed identifiers shared by the storage layer and
// its callers. Every identifier is a UUID tagged with a phantom kind so a job
// ID can never be passed where a task ID is expected.
package ids

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// Kinds used as the type parameter of ID.
type (
	Job           struct{}
	Task          struct{}
	TaskInstance  struct{}
	Worker        struct{}
	Scheduler     struct{}
	Data          struct{}
	ResourceGroup struct{}
)

// ID is a UUID tagged with the kind K.
type ID[K any] struct {
	u uuid.UUID
}

type (
	JobID           = ID[Job]
	TaskID          = ID[Task]
	TaskInstanceID  = ID[TaskInstance]
	WorkerID        = ID[Worker]
	SchedulerID     = ID[Scheduler]
	DataID          = ID[Data]
	ResourceGroupID = ID[ResourceGroup]
)

// New returns a fresh random identifier.
func New[K any]() ID[K] {
	return ID[K]{u: uuid.New()}
}

// FromUUID tags an existing UUID.
func FromUUID[K any](u uuid.UUID) ID[K] {
	return ID[K]{u: u}
}

// Parse parses the canonical textual form of a UUID.
func Parse[K any](s string) (ID[K], error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID[K]{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return ID[K]{u: u}, nil
}

func (id ID[K]) UUID() uuid.UUID { return id.u }
func (id ID[K]) String() string  { return id.u.String() }
func (id ID[K]) IsZero() bool    { return id.u == uuid.Nil }

func (id ID[K]) MarshalText() ([]byte, error) {
	return id.u.MarshalText()
}

func (id *ID[K]) UnmarshalText(b []byte) error {
	return id.u.UnmarshalText(b)
}

// Value stores the identifier as text. The zero identifier is stored as NULL.
func (id ID[K]) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return id.u.String(), nil
}

// Scan reads an identifier written by Value. NULL scans to the zero value.
func (id *ID[K]) Scan(src any) error {
	if src == nil {
		id.u = uuid.Nil
		return nil
	}
	return id.u.Scan(src)
}

// Signed pairs an identifier with the resource group claiming to own it.
// Storage operations reject a signature that does not match the owner.
type Signed[K any] struct {
	Signature ResourceGroupID `json:"signature"`
	ID        ID[K]           `json:"id"`
}

type (
	SignedJobID          = Signed[Job]
	SignedTaskID         = Signed[Task]
	SignedTaskInstanceID = Signed[TaskInstance]
)

// Sign attaches a resource group signature to id.
func Sign[K any](rg ResourceGroupID, id ID[K]) Signed[K] {
	return Signed[K]{Signature: rg, ID: id}
}

func (s Signed[K]) String() string {
	return fmt.Sprintf("%s@%s", s.ID, s.Signature)
}
