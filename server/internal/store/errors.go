package store

import "errors"

// ErrNotFound is returned by Store methods when the requested record does
// not exist. Callers should check for it explicitly with errors.Is.
var ErrNotFound = errors.New("record not found")

// ErrConflict reports an insert that violates a unique constraint. No Store
// method returns it: NewCrash treats a crash row for a (collection_guid,
// name) pair that already exists as a no-op (spec §4.7: "never overwritten").
var ErrConflict = errors.New("record already exists")

// ErrInsufficientResources is returned by ScheduleCollection when no
// combination of up agents has enough free CPU to satisfy every requested
// sub-job (spec §4.1).
var ErrInsufficientResources = errors.New("insufficient resources to schedule collection")
