// Package dispute implements quorum-based collective decisions for a
// caixinha. A dispute collects boolean votes from current members and
// resolves as soon as the outcome is mathematically settled.
package dispute

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caixahub/caixahub/internal/caixinha"
	"github.com/caixahub/caixahub/internal/shared"
)

// Type enumerates what a dispute decides.
type Type string

const (
	TypeRuleChange    Type = "RULE_CHANGE"
	TypeLoanApproval  Type = "LOAN_APPROVAL"
	TypeMemberRemoval Type = "MEMBER_REMOVAL"
)

// Valid reports whether t is a known dispute type.
func (t Type) Valid() bool {
	switch t {
	case TypeRuleChange, TypeLoanApproval, TypeMemberRemoval:
		return true
	}
	return false
}

// Status enumerates the dispute lifecycle. Only active disputes accept
// votes; every other status is terminal.
type Status string

const (
	StatusActive   Status = "active"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// Vote is one member's ballot. A member votes at most once.
type Vote struct {
	UserID  string    `json:"userId"`
	Vote    bool      `json:"vote"`
	Comment string    `json:"comment,omitempty"`
	CastAt  time.Time `json:"castAt"`
}

// RuleChangeProposal is the payload of a RULE_CHANGE dispute.
type RuleChangeProposal struct {
	Patch caixinha.RulesPatch `json:"patch"`
}

// MemberRemovalProposal is the payload of a MEMBER_REMOVAL dispute.
type MemberRemovalProposal struct {
	MemberID string `json:"memberId"`
}

// Dispute is a collective decision in flight. LoanID is set only for
// LOAN_APPROVAL so open disputes for a loan can be found by filter.
type Dispute struct {
	ID              string          `json:"id"`
	CaixinhaID      string          `json:"caixinhaId"`
	Type            Type            `json:"type"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	CreatedBy       string          `json:"createdBy"`
	ProposedChanges json.RawMessage `json:"proposedChanges,omitempty"`
	LoanID          string          `json:"loanId,omitempty"`
	Status          Status          `json:"status"`
	Votes           []Vote          `json:"votes"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
	EffectAppliedAt *time.Time      `json:"effectAppliedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// HasVoted reports whether the user already cast a ballot.
func (d Dispute) HasVoted(userID string) bool {
	for _, v := range d.Votes {
		if v.UserID == userID {
			return true
		}
	}
	return false
}

// Tally counts approvals and rejections.
func (d Dispute) Tally() (approvals, rejections int) {
	for _, v := range d.Votes {
		if v.Vote {
			approvals++
		} else {
			rejections++
		}
	}
	return approvals, rejections
}

// Outcome evaluates the quorum against the current member count.
// Approval wins as soon as approvals/members reaches the threshold.
// Rejection wins as soon as approval is mathematically impossible even
// if every member yet to vote approves. Otherwise the dispute stays
// open.
func (d Dispute) Outcome(memberCount int, threshold float64) (Status, bool) {
	if memberCount < 1 {
		return StatusActive, false
	}
	approvals, rejections := d.Tally()
	needed := threshold * float64(memberCount)
	if float64(approvals) >= needed {
		return StatusApproved, true
	}
	if float64(memberCount-rejections) < needed {
		return StatusRejected, true
	}
	return StatusActive, false
}

// Expired reports whether the voting window has closed.
func (d Dispute) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// DecodeRuleChange parses the proposal of a RULE_CHANGE dispute.
func (d Dispute) DecodeRuleChange() (RuleChangeProposal, error) {
	var p RuleChangeProposal
	if err := json.Unmarshal(d.ProposedChanges, &p); err != nil {
		return RuleChangeProposal{}, fmt.Errorf("dispute: malformed rule change proposal: %w", shared.ErrValidation)
	}
	return p, nil
}

// DecodeMemberRemoval parses the proposal of a MEMBER_REMOVAL dispute.
func (d Dispute) DecodeMemberRemoval() (MemberRemovalProposal, error) {
	var p MemberRemovalProposal
	if err := json.Unmarshal(d.ProposedChanges, &p); err != nil || p.MemberID == "" {
		return MemberRemovalProposal{}, fmt.Errorf("dispute: malformed member removal proposal: %w", shared.ErrValidation)
	}
	return p, nil
}
