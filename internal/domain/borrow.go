package domain

import "time"

// Borrow is one outstanding or historical license checkout. While
// outstanding it is owned by the ledger; once returned it lives on
// only as an archive record.
type Borrow struct {
	ID         string     `json:"id"`
	Tool       string     `json:"tool"`
	User       string     `json:"user"`
	BorrowedAt time.Time  `json:"borrowed_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
	IsOverage  bool       `json:"is_overage"`
}

// BorrowResult is what a successful borrow hands back to the caller.
type BorrowResult struct {
	Borrow    Borrow
	IsOverage bool
}

// OverageCharge records one per-unit overage fee. Charges accumulate
// and are never reversed on return; the ledger of overage usage is
// cumulative by contract.
type OverageCharge struct {
	ID        string    `json:"id"`
	Tool      string    `json:"tool"`
	BorrowID  string    `json:"borrow_id"`
	User      string    `json:"user"`
	ChargedAt time.Time `json:"charged_at"`
	Amount    float64   `json:"amount"`
}
