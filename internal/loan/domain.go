package loan

import (
	"time"
)

// Status enumerates the loan lifecycle. Transitions are monotonic:
// pendente → {aprovado, rejeitado, cancelado}; aprovado → {parcial,
// quitado, cancelado}; parcial → quitado. Terminal states accept no
// further mutation.
type Status string

const (
	StatusPendente  Status = "pendente"
	StatusAprovado  Status = "aprovado"
	StatusParcial   Status = "parcial"
	StatusRejeitado Status = "rejeitado"
	StatusQuitado   Status = "quitado"
	StatusCancelado Status = "cancelado"
)

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusQuitado, StatusRejeitado, StatusCancelado:
		return true
	}
	return false
}

// Installment is one scheduled repayment.
type Installment struct {
	Number  int        `json:"number"`
	DueDate time.Time  `json:"dueDate"`
	Amount  float64    `json:"amount"`
	Paid    bool       `json:"paid"`
	PaidAt  *time.Time `json:"paidAt,omitempty"`
}

// Payment records one received payment.
type Payment struct {
	Valor      float64   `json:"valor"`
	Metodo     string    `json:"metodo"`
	Observacao string    `json:"observacao,omitempty"`
	At         time.Time `json:"at"`
}

// Loan is a peer loan inside a caixinha.
type Loan struct {
	ID               string        `json:"id"`
	CaixinhaID       string        `json:"caixinhaId"`
	UserID           string        `json:"userId"`
	Valor            float64       `json:"valor"`
	ParcelasCount    int           `json:"parcelasCount"`
	TaxaJuros        float64       `json:"taxaJuros"`
	Motivo           string        `json:"motivo"`
	Status           Status        `json:"status"`
	Installments     []Installment `json:"installments"`
	Payments         []Payment     `json:"payments,omitempty"`
	ValorPago        float64       `json:"valorPago"`
	DataAprovacao    *time.Time    `json:"dataAprovacao,omitempty"`
	DataRejeitacao   *time.Time    `json:"dataRejeitacao,omitempty"`
	DataQuitacao     *time.Time    `json:"dataQuitacao,omitempty"`
	AdminAprovador   *string       `json:"adminAprovador,omitempty"`
	AdminRejeitador  *string       `json:"adminRejeitador,omitempty"`
	MotivoRejeitacao *string       `json:"motivoRejeitacao,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// TotalDue is the principal plus interest owed over the loan's life.
func (l Loan) TotalDue() float64 {
	return roundCents(l.Valor * (1 + l.TaxaJuros))
}

// amountTolerance absorbs float rounding on cent arithmetic.
const amountTolerance = 0.005

func roundCents(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// buildSchedule splits the total due into count equal monthly
// installments; the last one absorbs the rounding remainder.
func buildSchedule(total float64, count int, firstDue time.Time) []Installment {
	per := roundCents(total / float64(count))
	installments := make([]Installment, count)
	allocated := 0.0
	for i := 0; i < count; i++ {
		amount := per
		if i == count-1 {
			amount = roundCents(total - allocated)
		}
		allocated = roundCents(allocated + amount)
		installments[i] = Installment{
			Number:  i + 1,
			DueDate: firstDue.AddDate(0, i, 0),
			Amount:  amount,
		}
	}
	return installments
}
