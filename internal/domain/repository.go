package domain

import "context"

// Archive is the narrow interface to the durable store of historical
// borrow records and overage charges. The ledger writes through it
// best-effort after committing its in-memory state; the read side
// serves the /borrows and /overage-charges listings.
type Archive interface {
	// SaveBorrow stores a freshly issued borrow record.
	SaveBorrow(ctx context.Context, borrow *Borrow) error

	// MarkReturned records the return of an outstanding borrow.
	MarkReturned(ctx context.Context, borrowID string) error

	// SaveOverageCharge appends one overage charge. Charges are never
	// deleted or reversed.
	SaveOverageCharge(ctx context.Context, charge *OverageCharge) error

	// ListBorrows returns outstanding borrows, newest first. An empty
	// user matches everyone.
	ListBorrows(ctx context.Context, user string) ([]Borrow, error)

	// ListOverageCharges returns charges newest first. An empty tool
	// matches all pools.
	ListOverageCharges(ctx context.Context, tool string) ([]OverageCharge, error)

	Close() error
}
