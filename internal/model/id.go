package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a job identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewTaskID generates a correlation handle for one dispatched stage run.
func NewTaskID() string {
	return uuid.NewString()
}
