package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User represents a local operator account. OIDC and multi-tenant isolation
// are out of scope (spec Non-goals), so only local password auth is kept.
type User struct {
	base
	Email       string          `gorm:"uniqueIndex;not null"`
	Password    EncryptedString `gorm:"type:text"`
	DisplayName string          `gorm:"not null"`
	Role        string          `gorm:"not null;default:'user'"` // "admin" or "user"
	IsActive    bool            `gorm:"not null;default:true"`
	LastLoginAt *time.Time
}

// RefreshToken stores a hashed refresh token associated with a user session.
// The raw token is never stored — only its SHA-256 hash. Tokens are rotated
// on every use and expire after 7 days.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent represents a registered fuzzing worker host. Soft-deleted so an
// operator can deregister hardware without losing job history (spec §3).
//
// FreeCpus/FreeRam are decremented by the Scheduler's bin-packing pass at
// submission time and incremented back by Store.CompleteJob when it frees a
// sub-job's resources (Job.Freed). Invariant: 0 <= FreeCpus <= Cpus and
// 0 <= FreeRam <= Ram, enforced by Store methods, never by callers directly.
type Agent struct {
	softDelete
	Guid        uuid.UUID `gorm:"type:text;uniqueIndex;not null"`
	Description string    `gorm:"not null;default:''"`
	AgentType   string    `gorm:"not null;default:'linux'"`
	Endpoint    string    `gorm:"not null"`
	Status      string    `gorm:"not null;default:'init'"` // init, up, down
	Cpus        int64     `gorm:"not null;default:0"`
	Ram         int64     `gorm:"not null;default:0"`
	FreeCpus    int64     `gorm:"not null;default:0"`
	FreeRam     int64     `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Job collections & sub-jobs
// -----------------------------------------------------------------------------

// JobCollection is a single fuzzing submission — a set of sub-jobs (Job rows)
// that share an image, target, and corpus. Status is a derived roll-up of
// its Job rows, maintained by Store.Propagate (spec §4.5), never written
// directly by request handlers.
type JobCollection struct {
	base
	Guid         uuid.UUID `gorm:"type:text;uniqueIndex;not null"`
	Name         string    `gorm:"not null"`
	Description  string    `gorm:"not null;default:''"`
	AgentType    string    `gorm:"not null;default:'linux'"`
	Cpus         int64     `gorm:"not null"`
	Ram          int64     `gorm:"not null"`
	Timeout      int64     `gorm:"not null"` // seconds
	Target       string    `gorm:"not null"` // filename under <nfs_dir>/jobs/<guid>/
	Corpus       string    `gorm:"not null"` // filename under <nfs_dir>/jobs/<guid>/
	Image        string    `gorm:"not null"`
	Status       string    `gorm:"not null;default:'init'"` // init, alive, completed, error
	CreationDate time.Time `gorm:"not null"`
}

// Job is a single sub-job of a JobCollection, scheduled onto exactly one
// Agent. Idx 0 is the collection's master sub-job (the one that opens the
// secondary analyze_crash RPC client, spec §4.4). The natural key is
// (AgentGuid, CollectionGuid, Idx); Idx is the ordering key, never replaced
// by the surrogate base.ID. Guid is the wire identifier the Broker hands the
// agent in JobCreateRequest and the agent echoes back in every JobMsg/
// CrashMsg update (spec §3's JobRequest/JobMsg "guid") — distinct from
// CollectionGuid because CollectionGuid is shared by every sub-job of the
// collection, while Guid names this one sub-job.
//
// Invariant: once Freed is true, the owning Agent's FreeCpus/FreeRam have
// been incremented by this row's Cpus/Ram exactly once — enforced by
// Store.CompleteJob, which flips Freed inside the same transaction as the
// Agent update.
type Job struct {
	base
	Guid           uuid.UUID `gorm:"type:text;uniqueIndex;not null"`
	AgentGuid      uuid.UUID `gorm:"type:text;not null;index:idx_job_agent_collection"`
	CollectionGuid uuid.UUID `gorm:"type:text;not null;index:idx_job_agent_collection"`
	Idx            int       `gorm:"not null"`
	Cpus           int64     `gorm:"not null"`
	Ram            int64     `gorm:"not null"`
	LastMsg        string    `gorm:"type:text;default:''"`
	Status         string    `gorm:"not null;default:'init'"` // init, alive, completed, error
	Freed          bool      `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Crashes
// -----------------------------------------------------------------------------

// Crash is a single crashing input synced from an agent's job runner (spec
// §4.4 sync_crashes, §4.7). Unique on (CollectionGuid, Name) — never
// overwritten once inserted.
type Crash struct {
	base
	Guid           uuid.UUID `gorm:"type:text;uniqueIndex;not null"`
	Name           string    `gorm:"not null;index:idx_crash_collection_name,unique"`
	CollectionGuid uuid.UUID `gorm:"type:text;not null;index:idx_crash_collection_name,unique"`
	Hash           string    `gorm:"not null"` // SHA3-256 hex of file content
	Size           int64     `gorm:"not null"`
	Analyzed       *string   `gorm:"type:text"`
	CreationDate   time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry, used for the webhook
// notification target (spec §4.7's crash-found notification). Sensitive
// values are encrypted at the application layer via EncryptedString.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}
