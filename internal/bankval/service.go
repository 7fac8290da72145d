// Package bankval implements the bank validation workflow that turns a
// pending role assignment into a validated one. A short-lived numeric
// code is delivered out of band; only its bcrypt hash is stored.
package bankval

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/caixahub/caixahub/internal/notify"
	"github.com/caixahub/caixahub/internal/platform/store"
	"github.com/caixahub/caixahub/internal/rbac"
	"github.com/caixahub/caixahub/internal/shared"
)

const (
	colValidations = "bank_validations"
	codeDigits     = 6
	// DefaultTTL bounds how long an issued code stays confirmable.
	DefaultTTL = 15 * time.Minute
	// DefaultMaxAttempts bounds wrong guesses per issued code.
	DefaultMaxAttempts = 5
)

var (
	// ErrInvalidCode covers wrong, reused and expired codes. One error
	// kind so callers cannot probe which case they hit.
	ErrInvalidCode = fmt.Errorf("bankval: invalid code: %w", shared.ErrValidation)
	// ErrTooManyAttempts indicates the code was burned by wrong guesses.
	ErrTooManyAttempts = fmt.Errorf("bankval: too many attempts: %w", shared.ErrConflict)
)

// BankData is the bank account under validation. It is persisted with
// the code and surfaces in the assignment's validation data once
// confirmed.
type BankData struct {
	Banco     string `json:"banco" validate:"required,max=80"`
	Agencia   string `json:"agencia" validate:"required,max=16"`
	Conta     string `json:"conta" validate:"required,max=24"`
	Titular   string `json:"titular" validate:"required,max=120"`
	Documento string `json:"documento" validate:"required,max=20"`
}

// Validation is the stored state of one issued code.
type Validation struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	BankData  BankData   `json:"bankData"`
	CodeHash  []byte     `json:"codeHash"`
	Attempts  int        `json:"attempts"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	ExpiresAt time.Time  `json:"expiresAt"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// RoleValidator is the slice of the rbac service the workflow drives.
type RoleValidator interface {
	GetUserRole(ctx context.Context, id string) (rbac.UserRole, error)
	ValidateUserRole(ctx context.Context, id string, validationData map[string]any) (rbac.UserRole, error)
}

// Service issues and confirms validation codes.
type Service struct {
	store       store.Store
	roles       RoleValidator
	notifier    notify.Dispatcher
	ttl         time.Duration
	maxAttempts int
	attempts    int
	logger      *slog.Logger
	now         func() time.Time
	genCode     func() (string, error)
}

// NewService constructs the Service.
func NewService(s store.Store, roles RoleValidator, notifier notify.Dispatcher, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:       s,
		roles:       roles,
		notifier:    notifier,
		ttl:         ttl,
		maxAttempts: DefaultMaxAttempts,
		attempts:    3,
		logger:      logger,
		now:         time.Now,
		genCode:     generateCode,
	}
}

func generateCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

// Init issues a fresh code for a pending assignment and delivers it to
// the member. Re-issuing replaces the outstanding code and bank data,
// so the stored record is keyed by the assignment itself.
func (s *Service) Init(ctx context.Context, userRoleID string, bank BankData) (Validation, error) {
	assignment, err := s.roles.GetUserRole(ctx, userRoleID)
	if err != nil {
		return Validation{}, err
	}
	if assignment.ValidationStatus != rbac.ValidationPending {
		return Validation{}, fmt.Errorf("bankval: assignment is not pending: %w", shared.ErrConflict)
	}
	code, err := s.genCode()
	if err != nil {
		return Validation{}, fmt.Errorf("bankval: generate code: %w", shared.ErrService)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return Validation{}, fmt.Errorf("bankval: hash code: %w", shared.ErrService)
	}
	now := s.now()
	v := Validation{
		ID:        userRoleID,
		UserID:    assignment.UserID,
		BankData:  bank,
		CodeHash:  hash,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.upsert(ctx, v); err != nil {
		return Validation{}, err
	}
	s.dispatchCode(ctx, v, code)
	return v, nil
}

func (s *Service) upsert(ctx context.Context, v Validation) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.store.Insert(ctx, colValidations, v.ID, data)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrExists) {
		return mapStoreErr(err)
	}
	_, err = store.Update(ctx, s.store, colValidations, v.ID, s.attempts, func(rec store.Record) ([]byte, error) {
		var prev Validation
		if err := json.Unmarshal(rec.Data, &prev); err != nil {
			return nil, err
		}
		v.CreatedAt = prev.CreatedAt
		return json.Marshal(v)
	})
	if err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// Confirm checks the code and, on a match, marks it used and validates
// the assignment. Wrong, expired and already-used codes all fail the
// same way; the mark-used write guards against racing confirms.
func (s *Service) Confirm(ctx context.Context, userRoleID, code string) (rbac.UserRole, error) {
	rec, err := s.store.Get(ctx, colValidations, userRoleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return rbac.UserRole{}, ErrInvalidCode
		}
		return rbac.UserRole{}, mapStoreErr(err)
	}
	var v Validation
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return rbac.UserRole{}, err
	}
	now := s.now()
	if v.Used || now.After(v.ExpiresAt) {
		return rbac.UserRole{}, ErrInvalidCode
	}
	if v.Attempts >= s.maxAttempts {
		return rbac.UserRole{}, ErrTooManyAttempts
	}
	if bcrypt.CompareHashAndPassword(v.CodeHash, []byte(code)) != nil {
		if err := s.recordAttempt(ctx, userRoleID); err != nil && s.logger != nil {
			s.logger.Error("bankval record attempt", slog.Any("error", err))
		}
		return rbac.UserRole{}, ErrInvalidCode
	}
	_, err = store.Update(ctx, s.store, colValidations, userRoleID, s.attempts, func(rec store.Record) ([]byte, error) {
		var cur Validation
		if err := json.Unmarshal(rec.Data, &cur); err != nil {
			return nil, err
		}
		if cur.Used {
			return nil, ErrInvalidCode
		}
		cur.Used = true
		cur.UsedAt = &now
		cur.UpdatedAt = now
		return json.Marshal(cur)
	})
	if err != nil {
		return rbac.UserRole{}, mapStoreErr(err)
	}
	return s.roles.ValidateUserRole(ctx, userRoleID, map[string]any{
		"method":      "bank_code",
		"bankData":    v.BankData,
		"validatedAt": now.Format(time.RFC3339),
	})
}

func (s *Service) recordAttempt(ctx context.Context, id string) error {
	_, err := store.Update(ctx, s.store, colValidations, id, s.attempts, func(rec store.Record) ([]byte, error) {
		var cur Validation
		if err := json.Unmarshal(rec.Data, &cur); err != nil {
			return nil, err
		}
		cur.Attempts++
		cur.UpdatedAt = s.now()
		return json.Marshal(cur)
	})
	return err
}

func (s *Service) dispatchCode(ctx context.Context, v Validation, code string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(ctx, notify.Event{
		Type:    notify.EventValidationCode,
		UserID:  v.UserID,
		Subject: "Código de validação bancária",
		Message: fmt.Sprintf("Seu código de validação é %s. Ele expira em %d minutos.", code, int(s.ttl.Minutes())),
		Meta:    map[string]any{"userRoleId": v.ID},
		At:      s.now(),
	})
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("bankval: %w", shared.ErrNotFound)
	case errors.Is(err, store.ErrExists), errors.Is(err, store.ErrRevisionMismatch):
		return fmt.Errorf("bankval: %w", shared.ErrConflict)
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("bankval: store: %w", shared.ErrService)
	default:
		return err
	}
}
