package dispute

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caixahub/caixahub/internal/caixinha"
	"github.com/caixahub/caixahub/internal/notify"
	"github.com/caixahub/caixahub/internal/platform/store"
	"github.com/caixahub/caixahub/internal/rbac"
	"github.com/caixahub/caixahub/internal/shared"
)

type fakePerms struct {
	granted map[string]bool
}

func (f *fakePerms) HasPermission(_ context.Context, userID, permission string, _ rbac.ContextType, _ string) (bool, error) {
	return f.granted[userID+"/"+permission], nil
}

type fakeGroups struct {
	group   caixinha.Caixinha
	patched []caixinha.RulesPatch
	removed []string
}

func (f *fakeGroups) Get(context.Context, string) (caixinha.Caixinha, error) {
	return f.group, nil
}

func (f *fakeGroups) ApplyRulesPatch(_ context.Context, _ string, patch caixinha.RulesPatch) (caixinha.Rules, error) {
	f.patched = append(f.patched, patch)
	f.group.Rules.Apply(patch)
	return f.group.Rules, nil
}

func (f *fakeGroups) RemoveMember(_ context.Context, _ string, userID string) error {
	f.removed = append(f.removed, userID)
	return nil
}

type fakeLoans struct {
	pending    map[string]string // loan id -> caixinha id
	approveErr error
	approved   []string
	rejected   []string
}

func (f *fakeLoans) CheckPending(_ context.Context, caixinhaID, loanID string) error {
	cx, ok := f.pending[loanID]
	if !ok {
		return fmt.Errorf("loan missing: %w", shared.ErrNotFound)
	}
	if cx != caixinhaID {
		return fmt.Errorf("loan belongs to another caixinha: %w", shared.ErrValidation)
	}
	return nil
}

func (f *fakeLoans) ApproveByDispute(_ context.Context, caixinhaID, loanID, _ string) error {
	if cx := f.pending[loanID]; cx != caixinhaID {
		return fmt.Errorf("loan belongs to another caixinha: %w", shared.ErrForbidden)
	}
	if f.approveErr != nil {
		return f.approveErr
	}
	f.approved = append(f.approved, loanID)
	return nil
}

func (f *fakeLoans) RejectByDispute(_ context.Context, caixinhaID, loanID, _ string) error {
	if cx := f.pending[loanID]; cx != caixinhaID {
		return fmt.Errorf("loan belongs to another caixinha: %w", shared.ErrForbidden)
	}
	f.rejected = append(f.rejected, loanID)
	return nil
}

type capturedEvents struct {
	events []notify.Event
}

func (c *capturedEvents) Dispatch(_ context.Context, event notify.Event) {
	c.events = append(c.events, event)
}

type disputeFixture struct {
	svc    *Service
	perms  *fakePerms
	groups *fakeGroups
	loans  *fakeLoans
	events *capturedEvents
	now    time.Time
}

// Five members with a 0.6 threshold: three approvals settle approval,
// three rejections make approval impossible.
func newTestService(t *testing.T) *disputeFixture {
	t.Helper()
	rules := caixinha.DefaultRules()
	rules.QuorumThreshold = 0.6
	rules.DisputeWindowDays = 7
	groups := &fakeGroups{group: caixinha.Caixinha{
		ID:      "cx-1",
		Name:    "Caixinha do Bloco",
		Members: []string{"alice", "bruno", "carla", "diego", "elisa"},
		Rules:   rules,
	}}
	f := &disputeFixture{
		// Alice and Bruno carry the proposer capabilities most tests
		// exercise; other members only vote.
		perms: &fakePerms{granted: map[string]bool{
			"alice/" + PermissionProposeRuleChange: true,
			"bruno/" + PermissionProposeRuleChange: true,
			"alice/" + PermissionApproveLoans:      true,
			"bruno/" + PermissionApproveLoans:      true,
		}},
		groups: groups,
		loans:  &fakeLoans{pending: map[string]string{"loan-1": "cx-1"}},
		events: &capturedEvents{},
		now:    time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(NewRepository(store.NewMemory(), 3), f.perms, groups, f.events, nil)
	f.svc.SetLoanApprover(f.loans)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *disputeFixture) createRuleChange(t *testing.T) Dispute {
	t.Helper()
	window := 14
	d, err := f.svc.Create(context.Background(), CreateInput{
		CaixinhaID:  "cx-1",
		Type:        TypeRuleChange,
		Title:       "Aumentar prazo de votação",
		Description: "Duas semanas dão tempo para todo mundo votar.",
		CreatorID:   "alice",
		RuleChange:  &caixinha.RulesPatch{DisputeWindowDays: &window},
	})
	require.NoError(t, err)
	return d
}

func TestCreateValidation(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: "TIE_BREAK", Title: "???", CreatorID: "alice"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: TypeRuleChange, Title: "ab", CreatorID: "alice"})
	require.ErrorIs(t, err, shared.ErrValidation)

	window := 14
	patch := &caixinha.RulesPatch{DisputeWindowDays: &window}
	_, err = f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: TypeRuleChange, Title: "Prazo", CreatorID: "mallory", RuleChange: patch})
	require.ErrorIs(t, err, shared.ErrForbidden)

	// A member without the proposer capability cannot open one either.
	_, err = f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: TypeRuleChange, Title: "Prazo", CreatorID: "carla", RuleChange: patch})
	require.ErrorIs(t, err, shared.ErrForbidden)

	_, err = f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: TypeRuleChange, Title: "Prazo", CreatorID: "alice"})
	require.ErrorIs(t, err, shared.ErrValidation)

	// A patch that would break the rule bounds is rejected up front.
	bad := 0.0
	_, err = f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: TypeRuleChange, Title: "Quorum zero", CreatorID: "alice", RuleChange: &caixinha.RulesPatch{QuorumThreshold: &bad}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestMemberRemovalCreation(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: TypeMemberRemoval, Title: "Remover", CreatorID: "alice", MemberID: "ghost"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: TypeMemberRemoval, Title: "Remover", CreatorID: "alice", MemberID: "alice"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: TypeMemberRemoval, Title: "Remover", CreatorID: "alice", MemberID: "bruno"})
	require.ErrorIs(t, err, shared.ErrForbidden)

	f.perms.granted["alice/"+PermissionRemoveMembers] = true
	d, err := f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: TypeMemberRemoval, Title: "Remover", CreatorID: "alice", MemberID: "bruno"})
	require.NoError(t, err)
	require.Equal(t, StatusActive, d.Status)
}

func TestQuorumApprovesAndAppliesRuleChange(t *testing.T) {
	f := newTestService(t)
	d := f.createRuleChange(t)
	ctx := context.Background()

	got, err := f.svc.CastVote(ctx, d.ID, "alice", true, "")
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)

	got, err = f.svc.CastVote(ctx, d.ID, "bruno", true, "concordo")
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.Empty(t, f.groups.patched)

	// Third approval reaches 3/5 >= 0.6 and settles the dispute.
	got, err = f.svc.CastVote(ctx, d.ID, "carla", true, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, got.Status)
	require.NotNil(t, got.ResolvedAt)
	require.Len(t, f.groups.patched, 1)
	require.Equal(t, 14, f.groups.group.Rules.DisputeWindowDays)
	require.Len(t, f.events.events, 1)
	require.Equal(t, notify.EventDisputeResolved, f.events.events[0].Type)

	// A settled dispute accepts no further ballots.
	_, err = f.svc.CastVote(ctx, d.ID, "diego", true, "")
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestQuorumRejectsWhenApprovalImpossible(t *testing.T) {
	f := newTestService(t)
	d := f.createRuleChange(t)
	ctx := context.Background()

	for _, voter := range []string{"alice", "bruno"} {
		got, err := f.svc.CastVote(ctx, d.ID, voter, false, "")
		require.NoError(t, err)
		require.Equal(t, StatusActive, got.Status)
	}

	// With three rejections only two possible approvals remain, below
	// the three needed, so the dispute settles as rejected.
	got, err := f.svc.CastVote(ctx, d.ID, "carla", false, "")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, got.Status)
	require.Empty(t, f.groups.patched)
}

func TestDuplicateVoteRejected(t *testing.T) {
	f := newTestService(t)
	d := f.createRuleChange(t)
	ctx := context.Background()

	_, err := f.svc.CastVote(ctx, d.ID, "alice", true, "")
	require.NoError(t, err)
	_, err = f.svc.CastVote(ctx, d.ID, "alice", false, "mudei de ideia")
	require.ErrorIs(t, err, shared.ErrConflict)

	got, err := f.svc.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, got.Votes, 1)
	require.True(t, got.Votes[0].Vote)
}

func TestNonMemberCannotVote(t *testing.T) {
	f := newTestService(t)
	d := f.createRuleChange(t)

	_, err := f.svc.CastVote(context.Background(), d.ID, "mallory", true, "")
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestExpiry(t *testing.T) {
	f := newTestService(t)
	d := f.createRuleChange(t)
	ctx := context.Background()

	f.now = f.now.AddDate(0, 0, 8)

	_, err := f.svc.CastVote(ctx, d.ID, "alice", true, "")
	require.ErrorIs(t, err, shared.ErrConflict)

	got, err := f.svc.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
	require.Empty(t, f.groups.patched)
}

func TestExpireDueSweep(t *testing.T) {
	f := newTestService(t)
	first := f.createRuleChange(t)

	f.now = f.now.AddDate(0, 0, 3)
	window := 21
	second, err := f.svc.Create(context.Background(), CreateInput{
		CaixinhaID: "cx-1",
		Type:       TypeRuleChange,
		Title:      "Outro prazo",
		CreatorID:  "bruno",
		RuleChange: &caixinha.RulesPatch{DisputeWindowDays: &window},
	})
	require.NoError(t, err)

	f.now = f.now.AddDate(0, 0, 5)
	expired, err := f.svc.ExpireDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	got, err := f.svc.Get(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)

	got, err = f.svc.Get(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
}

func TestLoanApprovalDispute(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	id, err := f.svc.OpenLoanApproval(ctx, "cx-1", "alice", "loan-1")
	require.NoError(t, err)

	// Opening again returns the same open dispute.
	again, err := f.svc.OpenLoanApproval(ctx, "cx-1", "bruno", "loan-1")
	require.NoError(t, err)
	require.Equal(t, id, again)

	for _, voter := range []string{"alice", "bruno"} {
		_, err := f.svc.CastVote(ctx, id, voter, true, "")
		require.NoError(t, err)
	}
	got, err := f.svc.CastVote(ctx, id, "carla", true, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, got.Status)
	require.Equal(t, []string{"loan-1"}, f.loans.approved)
	require.Empty(t, f.loans.rejected)
}

func TestLoanApprovalDisputeRejectsLoan(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	id, err := f.svc.OpenLoanApproval(ctx, "cx-1", "alice", "loan-1")
	require.NoError(t, err)

	for _, voter := range []string{"alice", "bruno", "carla"} {
		_, err := f.svc.CastVote(ctx, id, voter, false, "")
		require.NoError(t, err)
	}
	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, got.Status)
	require.Equal(t, []string{"loan-1"}, f.loans.rejected)
	require.Empty(t, f.loans.approved)
}

func TestMemberRemovalApproved(t *testing.T) {
	f := newTestService(t)
	f.perms.granted["alice/"+PermissionRemoveMembers] = true
	ctx := context.Background()

	d, err := f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: TypeMemberRemoval, Title: "Remover bruno", CreatorID: "alice", MemberID: "bruno"})
	require.NoError(t, err)

	for _, voter := range []string{"alice", "carla"} {
		_, err := f.svc.CastVote(ctx, d.ID, voter, true, "")
		require.NoError(t, err)
	}
	got, err := f.svc.CastVote(ctx, d.ID, "diego", true, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, got.Status)
	require.Equal(t, []string{"bruno"}, f.groups.removed)
}

func TestCancelPermissions(t *testing.T) {
	f := newTestService(t)
	d := f.createRuleChange(t)
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, d.ID, "bruno")
	require.ErrorIs(t, err, shared.ErrForbidden)

	got, err := f.svc.Cancel(ctx, d.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, got.Status)

	_, err = f.svc.Cancel(ctx, d.ID, "alice")
	require.ErrorIs(t, err, shared.ErrConflict)

	// A dispute manager may cancel someone else's dispute.
	other := f.createRuleChange(t)
	f.perms.granted["bruno/"+PermissionManageDisputes] = true
	got, err = f.svc.Cancel(ctx, other.ID, "bruno")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, got.Status)
}

func TestLoanApprovalScopedToCaixinha(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	// A loan living in another caixinha cannot be put to a vote here.
	f.loans.pending["loan-9"] = "cx-9"
	_, err := f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: TypeLoanApproval, Title: "Aprovar", CreatorID: "alice", LoanID: "loan-9"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: TypeLoanApproval, Title: "Aprovar", CreatorID: "alice", LoanID: "loan-ghost"})
	require.ErrorIs(t, err, shared.ErrNotFound)

	// Members without the approval capability cannot open the vote.
	_, err = f.svc.Create(ctx, CreateInput{CaixinhaID: "cx-1", Type: TypeLoanApproval, Title: "Aprovar", CreatorID: "carla", LoanID: "loan-1"})
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestConcurrentDuplicateVote(t *testing.T) {
	f := newTestService(t)
	d := f.createRuleChange(t)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.CastVote(context.Background(), d.ID, "diego", true, "")
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		default:
			require.ErrorIs(t, err, shared.ErrConflict)
			conflict++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflict)

	got, err := f.svc.Get(context.Background(), d.ID)
	require.NoError(t, err)
	require.Len(t, got.Votes, 1)
}

func TestOutcomeRedriveSweep(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	id, err := f.svc.OpenLoanApproval(ctx, "cx-1", "alice", "loan-1")
	require.NoError(t, err)

	// The loan engine fails right as the deciding vote lands. The
	// dispute stays approved with its effect still owed.
	f.loans.approveErr = fmt.Errorf("loan engine down: %w", shared.ErrService)
	for _, voter := range []string{"alice", "bruno"} {
		_, err := f.svc.CastVote(ctx, id, voter, true, "")
		require.NoError(t, err)
	}
	_, err = f.svc.CastVote(ctx, id, "carla", true, "")
	require.ErrorIs(t, err, shared.ErrService)

	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, got.Status)
	require.Nil(t, got.EffectAppliedAt)
	require.Empty(t, f.loans.approved)

	// While the engine stays down the sweep applies nothing.
	applied, err := f.svc.ApplyPendingOutcomes(ctx)
	require.NoError(t, err)
	require.Zero(t, applied)

	f.loans.approveErr = nil
	applied, err = f.svc.ApplyPendingOutcomes(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	require.Equal(t, []string{"loan-1"}, f.loans.approved)

	got, err = f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.EffectAppliedAt)

	// An applied effect is not replayed.
	applied, err = f.svc.ApplyPendingOutcomes(ctx)
	require.NoError(t, err)
	require.Zero(t, applied)
	require.Equal(t, []string{"loan-1"}, f.loans.approved)
}
