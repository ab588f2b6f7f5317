// Package store is the durable state machine for fuzzctl's server (spec
// §4.5): agents, job collections, sub-jobs, and crashes, all backed by
// GORM. It replaces the teacher's repositories/repository split with a
// single cohesive type, grounded on the teacher's gormAgentRepository and
// gormJobRepository (internal/repositories/agent.go, job.go) for query
// shape, error wrapping, and the ErrNotFound sentinel convention.
package store

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store wraps a *gorm.DB with the domain operations the scheduler,
// dispatcher, broker, and HTTP API call. All multi-row invariants (agent
// free_cpus/free_ram accounting, collection status roll-up) are enforced
// here, never by callers touching GORM models directly.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// New returns a Store backed by db.
func New(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log.Named("store")}
}

// clauseOnConflictUpdate upserts on the primary key, overwriting every
// non-key column. Used by SetSetting's key-value upsert.
func clauseOnConflictUpdate() clause.OnConflict {
	return clause.OnConflict{UpdateAll: true}
}
