package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mholetzko/permetix/internal/domain"
)

// MemoryArchive is an in-process implementation of domain.Archive,
// used when no Postgres is configured (dev mode) and by tests.
type MemoryArchive struct {
	mu      sync.Mutex
	borrows map[string]domain.Borrow
	charges []domain.OverageCharge
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{borrows: make(map[string]domain.Borrow)}
}

func (a *MemoryArchive) SaveBorrow(ctx context.Context, borrow *domain.Borrow) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.borrows[borrow.ID] = *borrow
	return nil
}

func (a *MemoryArchive) MarkReturned(ctx context.Context, borrowID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	borrow, ok := a.borrows[borrowID]
	if !ok {
		return domain.ErrUnknownBorrow
	}
	now := time.Now().UTC()
	borrow.ReturnedAt = &now
	a.borrows[borrowID] = borrow
	return nil
}

func (a *MemoryArchive) SaveOverageCharge(ctx context.Context, charge *domain.OverageCharge) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.charges = append(a.charges, *charge)
	return nil
}

func (a *MemoryArchive) ListBorrows(ctx context.Context, user string) ([]domain.Borrow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []domain.Borrow
	for _, borrow := range a.borrows {
		if borrow.ReturnedAt != nil {
			continue
		}
		if user != "" && borrow.User != user {
			continue
		}
		out = append(out, borrow)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BorrowedAt.After(out[j].BorrowedAt)
	})
	return out, nil
}

func (a *MemoryArchive) ListOverageCharges(ctx context.Context, tool string) ([]domain.OverageCharge, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []domain.OverageCharge
	for _, charge := range a.charges {
		if tool != "" && charge.Tool != tool {
			continue
		}
		out = append(out, charge)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChargedAt.After(out[j].ChargedAt)
	})
	return out, nil
}

func (a *MemoryArchive) Close() error {
	return nil
}
