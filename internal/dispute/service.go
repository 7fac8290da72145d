package dispute

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caixahub/caixahub/internal/caixinha"
	"github.com/caixahub/caixahub/internal/notify"
	"github.com/caixahub/caixahub/internal/rbac"
	"github.com/caixahub/caixahub/internal/shared"
)

// Permissions consulted by the dispute engine. Every dispute type
// demands a capability from its creator on top of membership.
const (
	PermissionRemoveMembers     = "caixinha:remove_members"
	PermissionManageDisputes    = "caixinha:manage_disputes"
	PermissionProposeRuleChange = "caixinha:propose_rule_change"
	// PermissionApproveLoans is the same capability the loan engine
	// checks before a direct approval.
	PermissionApproveLoans = "caixinha:approve_loans"
)

var (
	// ErrClosed indicates a vote or cancellation on a dispute that is
	// no longer active.
	ErrClosed = fmt.Errorf("dispute: not active: %w", shared.ErrConflict)
	// ErrAlreadyVoted indicates a second ballot from the same member.
	ErrAlreadyVoted = fmt.Errorf("dispute: member already voted: %w", shared.ErrConflict)
	// ErrLoanDisputed indicates an open dispute already exists for the
	// loan.
	ErrLoanDisputed = fmt.Errorf("dispute: loan already under dispute: %w", shared.ErrConflict)
)

// PermissionChecker resolves capabilities. Satisfied by the rbac service.
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID, permission string, ctxType rbac.ContextType, resourceID string) (bool, error)
}

// GroupPort exposes the caixinha operations resolution applies.
type GroupPort interface {
	Get(ctx context.Context, id string) (caixinha.Caixinha, error)
	ApplyRulesPatch(ctx context.Context, id string, patch caixinha.RulesPatch) (caixinha.Rules, error)
	RemoveMember(ctx context.Context, id, userID string) error
}

// LoanApprover is the loan engine slice the dispute engine drives.
// Satisfied by the loan service; wired after construction to break the
// mutual dependency between the two engines. Every call carries the
// dispute's caixinha so the loan side can refuse foreign references.
type LoanApprover interface {
	CheckPending(ctx context.Context, caixinhaID, loanID string) error
	ApproveByDispute(ctx context.Context, caixinhaID, loanID, disputeID string) error
	RejectByDispute(ctx context.Context, caixinhaID, loanID, disputeID string) error
}

// Service is the quorum voting engine.
type Service struct {
	repo     *Repository
	perms    PermissionChecker
	groups   GroupPort
	loans    LoanApprover
	notifier notify.Dispatcher
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the Service.
func NewService(repo *Repository, perms PermissionChecker, groups GroupPort, notifier notify.Dispatcher, logger *slog.Logger) *Service {
	return &Service{repo: repo, perms: perms, groups: groups, notifier: notifier, logger: logger, now: time.Now}
}

// SetLoanApprover injects the loan engine hook.
func (s *Service) SetLoanApprover(loans LoanApprover) {
	s.loans = loans
}

func (s *Service) requirePermission(ctx context.Context, userID, permission, caixinhaID string) error {
	granted, err := s.perms.HasPermission(ctx, userID, permission, rbac.ContextCaixinha, caixinhaID)
	if err != nil {
		return fmt.Errorf("dispute: permission check: %w", shared.ErrService)
	}
	if !granted {
		return fmt.Errorf("dispute: creator lacks %s: %w", permission, shared.ErrForbidden)
	}
	return nil
}

// CreateInput describes a new dispute. Exactly one of RuleChange,
// MemberID or LoanID must be set, matching the type.
type CreateInput struct {
	CaixinhaID  string
	Type        Type
	Title       string
	Description string
	CreatorID   string
	RuleChange  *caixinha.RulesPatch
	MemberID    string
	LoanID      string
}

// Create opens a dispute. Validation failures leave no record behind.
func (s *Service) Create(ctx context.Context, input CreateInput) (Dispute, error) {
	if !input.Type.Valid() {
		return Dispute{}, fmt.Errorf("dispute: unknown type %q: %w", input.Type, shared.ErrValidation)
	}
	title := strings.TrimSpace(input.Title)
	if len(title) < 3 || len(title) > 120 {
		return Dispute{}, fmt.Errorf("dispute: title must have 3 to 120 characters: %w", shared.ErrValidation)
	}
	if len(input.Description) > 2000 {
		return Dispute{}, fmt.Errorf("dispute: description too long: %w", shared.ErrValidation)
	}
	group, err := s.groups.Get(ctx, input.CaixinhaID)
	if err != nil {
		return Dispute{}, err
	}
	if !group.IsMember(input.CreatorID) {
		return Dispute{}, fmt.Errorf("dispute: creator is not a member: %w", shared.ErrForbidden)
	}

	var proposal any
	loanID := ""
	switch input.Type {
	case TypeRuleChange:
		if input.RuleChange == nil {
			return Dispute{}, fmt.Errorf("dispute: rule change requires a patch: %w", shared.ErrValidation)
		}
		if err := s.requirePermission(ctx, input.CreatorID, PermissionProposeRuleChange, input.CaixinhaID); err != nil {
			return Dispute{}, err
		}
		// Reject patches that would never apply cleanly.
		preview := group.Rules
		preview.Apply(*input.RuleChange)
		if err := preview.Validate(); err != nil {
			return Dispute{}, err
		}
		proposal = RuleChangeProposal{Patch: *input.RuleChange}
	case TypeMemberRemoval:
		if input.MemberID == "" {
			return Dispute{}, fmt.Errorf("dispute: member removal requires a member: %w", shared.ErrValidation)
		}
		if !group.IsMember(input.MemberID) {
			return Dispute{}, fmt.Errorf("dispute: target is not a member: %w", shared.ErrValidation)
		}
		if input.MemberID == input.CreatorID {
			return Dispute{}, fmt.Errorf("dispute: cannot propose removing yourself: %w", shared.ErrValidation)
		}
		if err := s.requirePermission(ctx, input.CreatorID, PermissionRemoveMembers, input.CaixinhaID); err != nil {
			return Dispute{}, err
		}
		proposal = MemberRemovalProposal{MemberID: input.MemberID}
	case TypeLoanApproval:
		if input.LoanID == "" {
			return Dispute{}, fmt.Errorf("dispute: loan approval requires a loan: %w", shared.ErrValidation)
		}
		if err := s.requirePermission(ctx, input.CreatorID, PermissionApproveLoans, input.CaixinhaID); err != nil {
			return Dispute{}, err
		}
		if s.loans == nil {
			return Dispute{}, fmt.Errorf("dispute: no loan engine wired: %w", shared.ErrService)
		}
		// The loan must be pendente and live in this caixinha, so a
		// vote here can never decide another caixinha's loan.
		if err := s.loans.CheckPending(ctx, input.CaixinhaID, input.LoanID); err != nil {
			return Dispute{}, err
		}
		if _, found, err := s.repo.FindActiveByLoan(ctx, input.LoanID); err != nil {
			return Dispute{}, err
		} else if found {
			return Dispute{}, ErrLoanDisputed
		}
		loanID = input.LoanID
	}

	var changes json.RawMessage
	if proposal != nil {
		changes, err = json.Marshal(proposal)
		if err != nil {
			return Dispute{}, err
		}
	}
	now := s.now()
	d := Dispute{
		ID:              uuid.NewString(),
		CaixinhaID:      input.CaixinhaID,
		Type:            input.Type,
		Title:           title,
		Description:     strings.TrimSpace(input.Description),
		CreatedBy:       input.CreatorID,
		ProposedChanges: changes,
		LoanID:          loanID,
		Status:          StatusActive,
		Votes:           []Vote{},
		ExpiresAt:       now.AddDate(0, 0, group.Rules.DisputeWindowDays),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Insert(ctx, d); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

// OpenLoanApproval opens a LOAN_APPROVAL dispute for the loan, or
// returns the open one. Implements the loan engine's dispute hook.
func (s *Service) OpenLoanApproval(ctx context.Context, caixinhaID, requesterID, loanID string) (string, error) {
	if existing, found, err := s.repo.FindActiveByLoan(ctx, loanID); err != nil {
		return "", err
	} else if found {
		return existing.ID, nil
	}
	d, err := s.Create(ctx, CreateInput{
		CaixinhaID:  caixinhaID,
		Type:        TypeLoanApproval,
		Title:       "Aprovação de empréstimo",
		Description: "Votação para aprovar o empréstimo solicitado.",
		CreatorID:   requesterID,
		LoanID:      loanID,
	})
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// Get fetches a dispute, expiring it first if its window has closed.
func (s *Service) Get(ctx context.Context, id string) (Dispute, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status == StatusActive && d.Expired(s.now()) {
		return s.expire(ctx, d.ID)
	}
	return d, nil
}

// ListByCaixinha returns the disputes of a caixinha.
func (s *Service) ListByCaixinha(ctx context.Context, caixinhaID string) ([]Dispute, error) {
	return s.repo.ListByCaixinha(ctx, caixinhaID)
}

// RequiresDispute reports whether the caixinha rules route the action
// through a collective vote.
func (s *Service) RequiresDispute(ctx context.Context, caixinhaID string, disputeType Type) (bool, error) {
	if !disputeType.Valid() {
		return false, fmt.Errorf("dispute: unknown type %q: %w", disputeType, shared.ErrValidation)
	}
	group, err := s.groups.Get(ctx, caixinhaID)
	if err != nil {
		return false, err
	}
	switch disputeType {
	case TypeRuleChange:
		return group.Rules.RuleChangeRequiresDispute, nil
	case TypeLoanApproval:
		return group.Rules.LoanApprovalRequiresDispute, nil
	default:
		return group.Rules.MemberRemovalRequiresDispute, nil
	}
}

// CastVote records a member's ballot and resolves the dispute when the
// outcome is settled. The quorum denominator is the caixinha's current
// member count at the time of the vote.
func (s *Service) CastVote(ctx context.Context, disputeID, voterID string, approve bool, comment string) (Dispute, error) {
	d, err := s.repo.Get(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusActive {
		return Dispute{}, ErrClosed
	}
	if d.Expired(s.now()) {
		if _, err := s.expire(ctx, d.ID); err != nil {
			return Dispute{}, err
		}
		return Dispute{}, ErrClosed
	}
	group, err := s.groups.Get(ctx, d.CaixinhaID)
	if err != nil {
		return Dispute{}, err
	}
	if !group.IsMember(voterID) {
		return Dispute{}, fmt.Errorf("dispute: voter is not a member: %w", shared.ErrForbidden)
	}

	var resolved bool
	updated, err := s.repo.Update(ctx, disputeID, func(d *Dispute) error {
		if d.Status != StatusActive {
			return ErrClosed
		}
		if d.HasVoted(voterID) {
			return ErrAlreadyVoted
		}
		now := s.now()
		d.Votes = append(d.Votes, Vote{UserID: voterID, Vote: approve, Comment: comment, CastAt: now})
		if outcome, settled := d.Outcome(len(group.Members), group.Rules.QuorumThreshold); settled {
			d.Status = outcome
			d.ResolvedAt = &now
			resolved = true
		}
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Dispute{}, err
	}
	if resolved {
		if err := s.applyOutcome(ctx, updated); err != nil {
			// The status flip already landed; the redrive sweep will
			// replay the effect.
			return updated, err
		}
		if err := s.markApplied(ctx, updated.ID); err != nil && s.logger != nil {
			s.logger.Error("dispute mark applied", slog.String("dispute_id", updated.ID), slog.Any("error", err))
		}
		s.dispatchResolved(ctx, updated)
	}
	return updated, nil
}

// Cancel voids an active dispute. Only the creator or a dispute
// manager may cancel.
func (s *Service) Cancel(ctx context.Context, disputeID, actorID string) (Dispute, error) {
	d, err := s.repo.Get(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if actorID != d.CreatedBy {
		granted, err := s.perms.HasPermission(ctx, actorID, PermissionManageDisputes, rbac.ContextCaixinha, d.CaixinhaID)
		if err != nil {
			return Dispute{}, fmt.Errorf("dispute: permission check: %w", shared.ErrService)
		}
		if !granted {
			return Dispute{}, fmt.Errorf("dispute: actor may not cancel: %w", shared.ErrForbidden)
		}
	}
	return s.repo.Update(ctx, disputeID, func(d *Dispute) error {
		if d.Status != StatusActive {
			return ErrClosed
		}
		now := s.now()
		d.Status = StatusCanceled
		d.ResolvedAt = &now
		d.UpdatedAt = now
		return nil
	})
}

// ExpireDue closes every active dispute whose window has passed.
// Called by the background sweep. An expired LOAN_APPROVAL leaves its
// loan pendente so a new vote can be opened.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	expired := 0
	for _, d := range active {
		if !d.Expired(now) {
			continue
		}
		if _, err := s.expire(ctx, d.ID); err != nil {
			if s.logger != nil {
				s.logger.Error("dispute expiry sweep", slog.String("dispute_id", d.ID), slog.Any("error", err))
			}
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, id string) (Dispute, error) {
	updated, err := s.repo.Update(ctx, id, func(d *Dispute) error {
		if d.Status != StatusActive {
			return ErrClosed
		}
		now := s.now()
		d.Status = StatusExpired
		d.ResolvedAt = &now
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Dispute{}, err
	}
	s.dispatchResolved(ctx, updated)
	return updated, nil
}

// applyOutcome runs the resolution side effect. The status flip that
// preceded it is the exactly-once guard; the loan hooks are themselves
// idempotent so a failed effect can be retried safely.
func (s *Service) applyOutcome(ctx context.Context, d Dispute) error {
	switch d.Type {
	case TypeRuleChange:
		if d.Status != StatusApproved {
			return nil
		}
		proposal, err := d.DecodeRuleChange()
		if err != nil {
			return err
		}
		_, err = s.groups.ApplyRulesPatch(ctx, d.CaixinhaID, proposal.Patch)
		return err
	case TypeMemberRemoval:
		if d.Status != StatusApproved {
			return nil
		}
		proposal, err := d.DecodeMemberRemoval()
		if err != nil {
			return err
		}
		return s.groups.RemoveMember(ctx, d.CaixinhaID, proposal.MemberID)
	case TypeLoanApproval:
		if s.loans == nil {
			return fmt.Errorf("dispute: no loan engine wired: %w", shared.ErrService)
		}
		if d.Status == StatusApproved {
			return s.loans.ApproveByDispute(ctx, d.CaixinhaID, d.LoanID, d.ID)
		}
		return s.loans.RejectByDispute(ctx, d.CaixinhaID, d.LoanID, d.ID)
	}
	return nil
}

func (s *Service) markApplied(ctx context.Context, id string) error {
	_, err := s.repo.Update(ctx, id, func(d *Dispute) error {
		if d.EffectAppliedAt == nil {
			now := s.now()
			d.EffectAppliedAt = &now
			d.UpdatedAt = now
		}
		return nil
	})
	return err
}

// ApplyPendingOutcomes replays resolution side effects that failed
// after the deciding vote landed. The appliers are idempotent, so a
// replay of an already-landed effect is harmless. Returns the number
// of disputes whose effect was applied.
func (s *Service) ApplyPendingOutcomes(ctx context.Context) (int, error) {
	applied := 0
	for _, status := range []Status{StatusApproved, StatusRejected} {
		disputes, err := s.repo.ListByStatus(ctx, status)
		if err != nil {
			return applied, err
		}
		for _, d := range disputes {
			if d.EffectAppliedAt != nil {
				continue
			}
			if err := s.applyOutcome(ctx, d); err != nil {
				if s.logger != nil {
					s.logger.Error("dispute outcome redrive", slog.String("dispute_id", d.ID), slog.Any("error", err))
				}
				continue
			}
			if err := s.markApplied(ctx, d.ID); err != nil {
				if s.logger != nil {
					s.logger.Error("dispute mark applied", slog.String("dispute_id", d.ID), slog.Any("error", err))
				}
				continue
			}
			s.dispatchResolved(ctx, d)
			applied++
		}
	}
	return applied, nil
}

func (s *Service) dispatchResolved(ctx context.Context, d Dispute) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(ctx, notify.Event{
		Type:       notify.EventDisputeResolved,
		CaixinhaID: d.CaixinhaID,
		UserID:     d.CreatedBy,
		Subject:    "Disputa encerrada",
		Message:    fmt.Sprintf("%q foi encerrada: %s", d.Title, d.Status),
		Meta:       map[string]any{"disputeId": d.ID, "type": string(d.Type), "status": string(d.Status)},
		At:         s.now(),
	})
}
