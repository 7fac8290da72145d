package loan

import (
	"context"
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

// Permissions consulted by the loan engine. Approval moves funds, so
// its checks run with strong consistency in the resolver.
const (
	PermissionApproveLoans = "caixinha:approve_loans"
	PermissionManageLoans  = "caixinha:manage_loans"
)

// MaxParcelas is the hard ceiling on installment count.
const MaxParcelas = 60

var (
	// ErrNotPendente indicates an approval/rejection on a loan that
	// already left pendente.
	ErrNotPendente = fmt.Errorf("loan: not pending: %w", shared.ErrConflict)
	// ErrWrongState indicates a payment or cancellation in an
	// incompatible status.
	ErrWrongState = fmt.Errorf("loan: wrong state for operation: %w", shared.ErrConflict)
	// ErrOverpayment indicates a payment exceeding the amount due.
	ErrOverpayment = fmt.Errorf("loan: payment exceeds total due: %w", shared.ErrValidation)
	// ErrPartialInstallment indicates a payment that does not settle
	// whole installments.
	ErrPartialInstallment = fmt.Errorf("loan: payment must settle whole installments: %w", shared.ErrValidation)
	// ErrDisputeRequired indicates the caixinha rules route this
	// action through a collective vote.
	ErrDisputeRequired = fmt.Errorf("loan: approval requires a dispute: %w", shared.ErrConflict)
)

// PermissionChecker resolves capabilities. Satisfied by the rbac service.
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID, permission string, ctxType rbac.ContextType, resourceID string) (bool, error)
}

// GroupPort exposes the caixinha snapshot the engine consults.
type GroupPort interface {
	Get(ctx context.Context, id string) (caixinha.Caixinha, error)
	Rules(ctx context.Context, id string) (caixinha.Rules, error)
}

// DisputeOpener turns a direct approval into a collective proposal.
// Satisfied by the dispute service; wired after construction to break
// the mutual dependency between the two engines.
type DisputeOpener interface {
	OpenLoanApproval(ctx context.Context, caixinhaID, requesterID, loanID string) (string, error)
}

// Service is the loan lifecycle engine.
type Service struct {
	repo     *Repository
	perms    PermissionChecker
	groups   GroupPort
	disputes DisputeOpener
	notifier notify.Dispatcher
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the Service.
func NewService(repo *Repository, perms PermissionChecker, groups GroupPort, notifier notify.Dispatcher, logger *slog.Logger) *Service {
	return &Service{repo: repo, perms: perms, groups: groups, notifier: notifier, logger: logger, now: time.Now}
}

// SetDisputeOpener injects the dispute engine hook.
func (s *Service) SetDisputeOpener(opener DisputeOpener) {
	s.disputes = opener
}

// RequestInput describes a loan request.
type RequestInput struct {
	CaixinhaID    string
	UserID        string
	Valor         float64
	ParcelasCount int
	Motivo        string
	TaxaJuros     *float64
}

// Request validates the input and creates a pendente loan with its
// installment schedule. No record is created when validation fails.
func (s *Service) Request(ctx context.Context, input RequestInput) (Loan, error) {
	if input.Valor <= 0 {
		return Loan{}, fmt.Errorf("loan: valor must be positive: %w", shared.ErrValidation)
	}
	if input.ParcelasCount < 1 || input.ParcelasCount > MaxParcelas {
		return Loan{}, fmt.Errorf("loan: parcelas must be between 1 and %d: %w", MaxParcelas, shared.ErrValidation)
	}
	group, err := s.groups.Get(ctx, input.CaixinhaID)
	if err != nil {
		return Loan{}, err
	}
	if !group.IsMember(input.UserID) {
		return Loan{}, fmt.Errorf("loan: requester is not a member: %w", shared.ErrForbidden)
	}
	if input.ParcelasCount > group.Rules.MaxParcelas {
		return Loan{}, fmt.Errorf("loan: parcelas exceed caixinha limit of %d: %w", group.Rules.MaxParcelas, shared.ErrValidation)
	}
	taxa := group.Rules.DefaultInterestRate
	if input.TaxaJuros != nil {
		if *input.TaxaJuros < 0 {
			return Loan{}, fmt.Errorf("loan: taxa de juros must not be negative: %w", shared.ErrValidation)
		}
		taxa = *input.TaxaJuros
	}
	now := s.now()
	l := Loan{
		ID:            uuid.NewString(),
		CaixinhaID:    input.CaixinhaID,
		UserID:        input.UserID,
		Valor:         input.Valor,
		ParcelasCount: input.ParcelasCount,
		TaxaJuros:     taxa,
		Motivo:        strings.TrimSpace(input.Motivo),
		Status:        StatusPendente,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	l.Installments = buildSchedule(l.TotalDue(), input.ParcelasCount, now.AddDate(0, 1, 0))
	if err := s.repo.Insert(ctx, l); err != nil {
		return Loan{}, err
	}
	return l, nil
}

// Get fetches a loan.
func (s *Service) Get(ctx context.Context, id string) (Loan, error) {
	return s.repo.Get(ctx, id)
}

// ListByCaixinha returns the loans of a caixinha.
func (s *Service) ListByCaixinha(ctx context.Context, caixinhaID string) ([]Loan, error) {
	return s.repo.ListByCaixinha(ctx, caixinhaID)
}

// ApproveOutcome is the result of an approval request. A non-empty
// DisputeID means the request was redirected into a collective vote
// and the loan remains pendente.
type ApproveOutcome struct {
	Loan      Loan
	DisputeID string
}

// Approve transitions pendente → aprovado, or redirects the request
// into the dispute engine when the caixinha rules demand a vote.
func (s *Service) Approve(ctx context.Context, loanID, approverID string) (ApproveOutcome, error) {
	l, err := s.repo.Get(ctx, loanID)
	if err != nil {
		return ApproveOutcome{}, err
	}
	if l.Status != StatusPendente {
		return ApproveOutcome{}, ErrNotPendente
	}
	granted, err := s.perms.HasPermission(ctx, approverID, PermissionApproveLoans, rbac.ContextCaixinha, l.CaixinhaID)
	if err != nil {
		// Fail closed on resolver failure.
		return ApproveOutcome{}, fmt.Errorf("loan: permission check: %w", shared.ErrService)
	}
	if !granted {
		return ApproveOutcome{}, fmt.Errorf("loan: approver lacks %s: %w", PermissionApproveLoans, shared.ErrForbidden)
	}
	rules, err := s.groups.Rules(ctx, l.CaixinhaID)
	if err != nil {
		return ApproveOutcome{}, err
	}
	if rules.LoanApprovalRequiresDispute {
		if s.disputes == nil {
			return ApproveOutcome{}, ErrDisputeRequired
		}
		disputeID, err := s.disputes.OpenLoanApproval(ctx, l.CaixinhaID, approverID, l.ID)
		if err != nil {
			return ApproveOutcome{}, err
		}
		return ApproveOutcome{Loan: l, DisputeID: disputeID}, nil
	}
	approved, err := s.approve(ctx, loanID, approverID)
	if err != nil {
		return ApproveOutcome{}, err
	}
	return ApproveOutcome{Loan: approved}, nil
}

// CheckPending verifies the loan exists inside the caixinha and still
// awaits a decision. The dispute engine consults it before opening a
// LOAN_APPROVAL vote, so a dispute can never reference a loan outside
// its own caixinha.
func (s *Service) CheckPending(ctx context.Context, caixinhaID, loanID string) error {
	l, err := s.repo.Get(ctx, loanID)
	if err != nil {
		return err
	}
	if l.CaixinhaID != caixinhaID {
		return fmt.Errorf("loan: loan belongs to another caixinha: %w", shared.ErrValidation)
	}
	if l.Status != StatusPendente {
		return ErrNotPendente
	}
	return nil
}

// ApproveByDispute applies the approval decided by a resolved
// LOAN_APPROVAL dispute. The dispute is the approver of record.
// Calling it again for the same dispute is a no-op. The dispute's
// caixinha must match the loan's; approval authority never crosses
// caixinha boundaries.
func (s *Service) ApproveByDispute(ctx context.Context, caixinhaID, loanID, disputeID string) error {
	approver := "dispute:" + disputeID
	current, err := s.repo.Get(ctx, loanID)
	if err != nil {
		return err
	}
	if current.CaixinhaID != caixinhaID {
		return fmt.Errorf("loan: dispute belongs to another caixinha: %w", shared.ErrForbidden)
	}
	if current.Status != StatusPendente {
		if current.AdminAprovador != nil && *current.AdminAprovador == approver {
			return nil
		}
		return ErrNotPendente
	}
	_, err = s.approve(ctx, loanID, approver)
	return err
}

// RejectByDispute applies the rejection decided by a resolved
// LOAN_APPROVAL dispute. Calling it again for the same dispute is a
// no-op.
func (s *Service) RejectByDispute(ctx context.Context, caixinhaID, loanID, disputeID string) error {
	rejecter := "dispute:" + disputeID
	current, err := s.repo.Get(ctx, loanID)
	if err != nil {
		return err
	}
	if current.CaixinhaID != caixinhaID {
		return fmt.Errorf("loan: dispute belongs to another caixinha: %w", shared.ErrForbidden)
	}
	if current.Status != StatusPendente {
		if current.AdminRejeitador != nil && *current.AdminRejeitador == rejecter {
			return nil
		}
		return ErrNotPendente
	}
	updated, err := s.repo.Update(ctx, loanID, func(l *Loan) error {
		if l.Status != StatusPendente {
			return ErrNotPendente
		}
		now := s.now()
		l.Status = StatusRejeitado
		l.DataRejeitacao = &now
		l.AdminRejeitador = &rejecter
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	s.dispatchStatus(ctx, updated, "Empréstimo rejeitado")
	return nil
}

func (s *Service) approve(ctx context.Context, loanID, approver string) (Loan, error) {
	updated, err := s.repo.Update(ctx, loanID, func(l *Loan) error {
		if l.Status != StatusPendente {
			return ErrNotPendente
		}
		now := s.now()
		l.Status = StatusAprovado
		l.DataAprovacao = &now
		l.AdminAprovador = &approver
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Loan{}, err
	}
	s.dispatchStatus(ctx, updated, "Empréstimo aprovado")
	return updated, nil
}

// Reject transitions pendente → rejeitado.
func (s *Service) Reject(ctx context.Context, loanID, rejecterID, reason string) (Loan, error) {
	l, err := s.repo.Get(ctx, loanID)
	if err != nil {
		return Loan{}, err
	}
	granted, err := s.perms.HasPermission(ctx, rejecterID, PermissionApproveLoans, rbac.ContextCaixinha, l.CaixinhaID)
	if err != nil {
		return Loan{}, fmt.Errorf("loan: permission check: %w", shared.ErrService)
	}
	if !granted {
		return Loan{}, fmt.Errorf("loan: rejecter lacks %s: %w", PermissionApproveLoans, shared.ErrForbidden)
	}
	updated, err := s.repo.Update(ctx, loanID, func(l *Loan) error {
		if l.Status != StatusPendente {
			return ErrNotPendente
		}
		now := s.now()
		l.Status = StatusRejeitado
		l.DataRejeitacao = &now
		l.AdminRejeitador = &rejecterID
		if reason != "" {
			l.MotivoRejeitacao = &reason
		}
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Loan{}, err
	}
	s.dispatchStatus(ctx, updated, "Empréstimo rejeitado")
	return updated, nil
}

// PaymentInput describes a received payment.
type PaymentInput struct {
	LoanID     string
	Valor      float64
	Metodo     string
	Observacao string
}

// MakePayment allocates a payment against the earliest unpaid
// installments. The payment must settle whole installments so that the
// paid-installment sum always equals valorPago. Overpayment is
// rejected, never absorbed.
func (s *Service) MakePayment(ctx context.Context, input PaymentInput) (Loan, error) {
	if input.Valor <= 0 {
		return Loan{}, fmt.Errorf("loan: payment must be positive: %w", shared.ErrValidation)
	}
	updated, err := s.repo.Update(ctx, input.LoanID, func(l *Loan) error {
		if l.Status != StatusAprovado && l.Status != StatusParcial {
			return ErrWrongState
		}
		remaining := l.TotalDue() - l.ValorPago
		if input.Valor > remaining+amountTolerance {
			return ErrOverpayment
		}
		now := s.now()
		credit := input.Valor
		for i := range l.Installments {
			inst := &l.Installments[i]
			if inst.Paid {
				continue
			}
			if credit < inst.Amount-amountTolerance {
				return ErrPartialInstallment
			}
			inst.Paid = true
			inst.PaidAt = &now
			credit = roundCents(credit - inst.Amount)
			if credit <= amountTolerance {
				break
			}
		}
		l.ValorPago = roundCents(l.ValorPago + input.Valor)
		l.Payments = append(l.Payments, Payment{
			Valor:      input.Valor,
			Metodo:     input.Metodo,
			Observacao: input.Observacao,
			At:         now,
		})
		if l.ValorPago >= l.TotalDue()-amountTolerance {
			l.Status = StatusQuitado
			l.DataQuitacao = &now
		} else {
			l.Status = StatusParcial
		}
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Loan{}, err
	}
	if updated.Status == StatusQuitado {
		s.dispatchStatus(ctx, updated, "Empréstimo quitado")
	}
	return updated, nil
}

// Cancel voids a loan. Permitted only while pendente, or aprovado with
// no payments recorded; the borrower or a loan manager may cancel.
func (s *Service) Cancel(ctx context.Context, loanID, actorID string) (Loan, error) {
	l, err := s.repo.Get(ctx, loanID)
	if err != nil {
		return Loan{}, err
	}
	if actorID != l.UserID {
		granted, err := s.perms.HasPermission(ctx, actorID, PermissionManageLoans, rbac.ContextCaixinha, l.CaixinhaID)
		if err != nil {
			return Loan{}, fmt.Errorf("loan: permission check: %w", shared.ErrService)
		}
		if !granted {
			return Loan{}, fmt.Errorf("loan: actor may not cancel: %w", shared.ErrForbidden)
		}
	}
	updated, err := s.repo.Update(ctx, loanID, func(l *Loan) error {
		if l.Status != StatusPendente && !(l.Status == StatusAprovado && l.ValorPago == 0) {
			return ErrWrongState
		}
		now := s.now()
		l.Status = StatusCancelado
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Loan{}, err
	}
	s.dispatchStatus(ctx, updated, "Empréstimo cancelado")
	return updated, nil
}

// RemindDue dispatches a reminder for every open loan whose next
// unpaid installment falls due within the window. Returns the number
// of reminders sent.
func (s *Service) RemindDue(ctx context.Context, window time.Duration) (int, error) {
	open := make([]Loan, 0)
	for _, status := range []Status{StatusAprovado, StatusParcial} {
		loans, err := s.repo.ListByStatus(ctx, status)
		if err != nil {
			return 0, err
		}
		open = append(open, loans...)
	}
	now := s.now()
	cutoff := now.Add(window)
	sent := 0
	for _, l := range open {
		for _, inst := range l.Installments {
			if inst.Paid {
				continue
			}
			if inst.DueDate.After(cutoff) {
				break
			}
			if s.notifier != nil {
				s.notifier.Dispatch(ctx, notify.Event{
					Type:       notify.EventLoanStatusChanged,
					CaixinhaID: l.CaixinhaID,
					UserID:     l.UserID,
					Subject:    "Parcela a vencer",
					Message:    fmt.Sprintf("Parcela %d de %s vence em %s.", inst.Number, notify.FormatAmount(inst.Amount), inst.DueDate.Format("02/01/2006")),
					Meta:       map[string]any{"loanId": l.ID, "installment": inst.Number},
					At:         now,
				})
			}
			sent++
			break
		}
	}
	return sent, nil
}

func (s *Service) dispatchStatus(ctx context.Context, l Loan, subject string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(ctx, notify.Event{
		Type:       notify.EventLoanStatusChanged,
		CaixinhaID: l.CaixinhaID,
		UserID:     l.UserID,
		Subject:    subject,
		Message:    fmt.Sprintf("%s: %s (%s)", subject, notify.FormatAmount(l.Valor), l.Status),
		Meta:       map[string]any{"loanId": l.ID, "status": string(l.Status)},
		At:         s.now(),
	})
}
