package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/fuzzctl/fuzzctl/server/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateAgent inserts a new Agent row with status "init" (spec §3: "Created
// by HTTP POST (status=init)"). Cpus/Ram/FreeCpus/FreeRam stay zero until
// the Broker's first successful sys-info call (SetAgentSysInfo).
func (s *Store) CreateAgent(ctx context.Context, guid uuid.UUID, description, agentType, endpoint string) (*db.Agent, error) {
	agent := &db.Agent{
		Guid:        guid,
		Description: description,
		AgentType:   agentType,
		Endpoint:    endpoint,
		Status:      "init",
	}
	if err := s.db.WithContext(ctx).Create(agent).Error; err != nil {
		return nil, fmt.Errorf("store: create agent: %w", err)
	}
	return agent, nil
}

// GetAgentByGuid returns ErrNotFound if no non-deleted agent with guid exists.
func (s *Store) GetAgentByGuid(ctx context.Context, guid uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := s.db.WithContext(ctx).First(&agent, "guid = ?", guid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return &agent, nil
}

// ListAgents returns every non-deleted agent, ordered oldest first.
func (s *Store) ListAgents(ctx context.Context) ([]db.Agent, error) {
	var agents []db.Agent
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	return agents, nil
}

// ListUpAgents returns agents currently in status "up", oldest first.
// ScheduleCollection does not use it: it runs its own eligibility query
// inside its transaction (spec §4.1).
func (s *Store) ListUpAgents(ctx context.Context) ([]db.Agent, error) {
	var agents []db.Agent
	if err := s.db.WithContext(ctx).Where("status = ?", "up").Order("created_at ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("store: list up agents: %w", err)
	}
	return agents, nil
}

// SetAgentStatus transitions an agent's status (init/up/down). Called by the
// Broker at init (down on connect failure), attach (up), and teardown (down).
func (s *Store) SetAgentStatus(ctx context.Context, guid uuid.UUID, status string) error {
	result := s.db.WithContext(ctx).Model(&db.Agent{}).Where("guid = ?", guid).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("store: set agent status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAgentSysInfo records the agent's total capacity on first successful
// sys-info call (spec §4.3 init step: "record cpus, ram, free_cpus := cpus,
// free_ram := ram"). It is a no-op past the first call — capacity is fixed
// for the lifetime of the agent record.
func (s *Store) SetAgentSysInfo(ctx context.Context, guid uuid.UUID, cpus, ram int64) error {
	result := s.db.WithContext(ctx).Model(&db.Agent{}).
		Where("guid = ? AND cpus = 0 AND ram = 0", guid).
		Updates(map[string]any{
			"cpus":      cpus,
			"ram":       ram,
			"free_cpus": cpus,
			"free_ram":  ram,
		})
	if result.Error != nil {
		return fmt.Errorf("store: set agent sys info: %w", result.Error)
	}
	return nil
}

// DeleteAgent soft-deletes an agent (spec §3: operators can deregister
// hardware without losing job history).
func (s *Store) DeleteAgent(ctx context.Context, guid uuid.UUID) error {
	result := s.db.WithContext(ctx).Where("guid = ?", guid).Delete(&db.Agent{})
	if result.Error != nil {
		return fmt.Errorf("store: delete agent: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
