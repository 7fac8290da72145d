// Package caixinha holds the group snapshot the governance engines
// consult: current membership (the quorum denominator) and the
// caixinha's rule set.
package caixinha

import (
	"fmt"
	"time"

	"github.com/caixahub/caixahub/internal/shared"
)

// Rules is the governance rule set of a caixinha. RULE_CHANGE disputes
// patch it atomically.
type Rules struct {
	QuorumThreshold              float64 `json:"quorumThreshold"`
	DisputeWindowDays            int     `json:"disputeWindowDays"`
	LoanApprovalRequiresDispute  bool    `json:"loanApprovalRequiresDispute"`
	RuleChangeRequiresDispute    bool    `json:"ruleChangeRequiresDispute"`
	MemberRemovalRequiresDispute bool    `json:"memberRemovalRequiresDispute"`
	DefaultInterestRate          float64 `json:"defaultInterestRate"`
	MaxParcelas                  int     `json:"maxParcelas"`
}

// DefaultRules returns the rule set applied to a new caixinha.
func DefaultRules() Rules {
	return Rules{
		QuorumThreshold:              0.5,
		DisputeWindowDays:            7,
		LoanApprovalRequiresDispute:  true,
		RuleChangeRequiresDispute:    true,
		MemberRemovalRequiresDispute: true,
		DefaultInterestRate:          0,
		MaxParcelas:                  60,
	}
}

// Validate checks rule bounds.
func (r Rules) Validate() error {
	if r.QuorumThreshold <= 0 || r.QuorumThreshold > 1 {
		return fmt.Errorf("caixinha: quorum threshold must be in (0,1]: %w", shared.ErrValidation)
	}
	if r.DisputeWindowDays < 1 {
		return fmt.Errorf("caixinha: dispute window must be at least one day: %w", shared.ErrValidation)
	}
	if r.DefaultInterestRate < 0 {
		return fmt.Errorf("caixinha: interest rate must not be negative: %w", shared.ErrValidation)
	}
	if r.MaxParcelas < 1 || r.MaxParcelas > 60 {
		return fmt.Errorf("caixinha: max parcelas must be between 1 and 60: %w", shared.ErrValidation)
	}
	return nil
}

// RulesPatch is a partial rules update; nil fields are left untouched.
type RulesPatch struct {
	QuorumThreshold              *float64 `json:"quorumThreshold,omitempty"`
	DisputeWindowDays            *int     `json:"disputeWindowDays,omitempty"`
	LoanApprovalRequiresDispute  *bool    `json:"loanApprovalRequiresDispute,omitempty"`
	RuleChangeRequiresDispute    *bool    `json:"ruleChangeRequiresDispute,omitempty"`
	MemberRemovalRequiresDispute *bool    `json:"memberRemovalRequiresDispute,omitempty"`
	DefaultInterestRate          *float64 `json:"defaultInterestRate,omitempty"`
	MaxParcelas                  *int     `json:"maxParcelas,omitempty"`
}

// Apply overlays the patch on the rule set.
func (r *Rules) Apply(patch RulesPatch) {
	if patch.QuorumThreshold != nil {
		r.QuorumThreshold = *patch.QuorumThreshold
	}
	if patch.DisputeWindowDays != nil {
		r.DisputeWindowDays = *patch.DisputeWindowDays
	}
	if patch.LoanApprovalRequiresDispute != nil {
		r.LoanApprovalRequiresDispute = *patch.LoanApprovalRequiresDispute
	}
	if patch.RuleChangeRequiresDispute != nil {
		r.RuleChangeRequiresDispute = *patch.RuleChangeRequiresDispute
	}
	if patch.MemberRemovalRequiresDispute != nil {
		r.MemberRemovalRequiresDispute = *patch.MemberRemovalRequiresDispute
	}
	if patch.DefaultInterestRate != nil {
		r.DefaultInterestRate = *patch.DefaultInterestRate
	}
	if patch.MaxParcelas != nil {
		r.MaxParcelas = *patch.MaxParcelas
	}
}

// Caixinha is the group record.
type Caixinha struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	Rules     Rules     `json:"rules"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsMember reports whether the user currently belongs to the group.
func (c Caixinha) IsMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}
