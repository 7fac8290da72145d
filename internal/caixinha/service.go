package caixinha

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caixahub/caixahub/internal/rbac"
	"github.com/caixahub/caixahub/internal/shared"
)

// RoleRevoker removes a user's caixinha-scoped role assignments.
// Satisfied by the rbac service.
type RoleRevoker interface {
	RevokeContextRoles(ctx context.Context, userID string, ctxType rbac.ContextType, resourceID string) error
}

// Service manages caixinha membership and rules.
type Service struct {
	repo  *Repository
	roles RoleRevoker
	now   func() time.Time
}

// NewService constructs the Service.
func NewService(repo *Repository, roles RoleRevoker) *Service {
	return &Service{repo: repo, roles: roles, now: time.Now}
}

// Create stores a new caixinha with the creator as first member.
func (s *Service) Create(ctx context.Context, name, creatorID string, rules Rules) (Caixinha, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Caixinha{}, fmt.Errorf("caixinha: name required: %w", shared.ErrValidation)
	}
	if err := rules.Validate(); err != nil {
		return Caixinha{}, err
	}
	now := s.now()
	c := Caixinha{
		ID:        uuid.NewString(),
		Name:      name,
		Members:   []string{creatorID},
		Rules:     rules,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, c); err != nil {
		return Caixinha{}, err
	}
	return c, nil
}

// Get fetches a caixinha by ID.
func (s *Service) Get(ctx context.Context, id string) (Caixinha, error) {
	return s.repo.Get(ctx, id)
}

// Members returns the current member list, the denominator for quorum
// computations.
func (s *Service) Members(ctx context.Context, id string) ([]string, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Members, nil
}

// Rules returns the caixinha's current rule set.
func (s *Service) Rules(ctx context.Context, id string) (Rules, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return Rules{}, err
	}
	return c.Rules, nil
}

// ApplyRulesPatch overlays a rules patch atomically. Invoked by the
// dispute engine once a RULE_CHANGE proposal is approved.
func (s *Service) ApplyRulesPatch(ctx context.Context, id string, patch RulesPatch) (Rules, error) {
	updated, err := s.repo.Update(ctx, id, func(c *Caixinha) error {
		next := c.Rules
		next.Apply(patch)
		if err := next.Validate(); err != nil {
			return err
		}
		c.Rules = next
		c.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return Rules{}, err
	}
	return updated.Rules, nil
}

// AddMember appends a member.
func (s *Service) AddMember(ctx context.Context, id, userID string) error {
	_, err := s.repo.Update(ctx, id, func(c *Caixinha) error {
		if c.IsMember(userID) {
			return fmt.Errorf("caixinha: already a member: %w", shared.ErrConflict)
		}
		c.Members = append(c.Members, userID)
		c.UpdatedAt = s.now()
		return nil
	})
	return err
}

// RemoveMember drops a member and revokes their caixinha-scoped roles.
// Invoked directly by a manager or by an approved MEMBER_REMOVAL
// dispute.
func (s *Service) RemoveMember(ctx context.Context, id, userID string) error {
	_, err := s.repo.Update(ctx, id, func(c *Caixinha) error {
		if !c.IsMember(userID) {
			return fmt.Errorf("caixinha: not a member: %w", shared.ErrNotFound)
		}
		members := c.Members[:0]
		for _, m := range c.Members {
			if m != userID {
				members = append(members, m)
			}
		}
		c.Members = members
		c.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return err
	}
	if s.roles != nil {
		if err := s.roles.RevokeContextRoles(ctx, userID, rbac.ContextCaixinha, id); err != nil {
			return err
		}
	}
	return nil
}
