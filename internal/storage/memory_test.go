package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/mholetzko/permetix/internal/domain"
	"github.com/mholetzko/permetix/internal/storage"
)

func TestMemoryArchive_Borrows(t *testing.T) {
	archive := storage.NewMemoryArchive()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	save := func(id, tool, user string, at time.Time) {
		t.Helper()
		err := archive.SaveBorrow(ctx, &domain.Borrow{
			ID: id, Tool: tool, User: user, BorrowedAt: at,
		})
		if err != nil {
			t.Fatalf("SaveBorrow(%s): %v", id, err)
		}
	}

	save("b-1", "canoe", "alice", base)
	save("b-2", "canoe", "bob", base.Add(time.Minute))
	save("b-3", "simulink", "alice", base.Add(2*time.Minute))

	t.Run("lists outstanding newest first", func(t *testing.T) {
		borrows, err := archive.ListBorrows(ctx, "")
		if err != nil {
			t.Fatalf("ListBorrows: %v", err)
		}
		if len(borrows) != 3 {
			t.Fatalf("got %d borrows, want 3", len(borrows))
		}
		if borrows[0].ID != "b-3" || borrows[2].ID != "b-1" {
			t.Errorf("order = %s..%s, want b-3..b-1", borrows[0].ID, borrows[2].ID)
		}
	})

	t.Run("filters by user", func(t *testing.T) {
		borrows, err := archive.ListBorrows(ctx, "alice")
		if err != nil {
			t.Fatalf("ListBorrows: %v", err)
		}
		if len(borrows) != 2 {
			t.Fatalf("got %d borrows for alice, want 2", len(borrows))
		}
	})

	t.Run("returned borrows drop out", func(t *testing.T) {
		if err := archive.MarkReturned(ctx, "b-2"); err != nil {
			t.Fatalf("MarkReturned: %v", err)
		}
		borrows, err := archive.ListBorrows(ctx, "")
		if err != nil {
			t.Fatalf("ListBorrows: %v", err)
		}
		for _, b := range borrows {
			if b.ID == "b-2" {
				t.Error("returned borrow still listed as outstanding")
			}
		}
	})

	t.Run("unknown borrow id", func(t *testing.T) {
		if err := archive.MarkReturned(ctx, "nope"); err != domain.ErrUnknownBorrow {
			t.Errorf("MarkReturned = %v, want ErrUnknownBorrow", err)
		}
	})
}

func TestMemoryArchive_OverageCharges(t *testing.T) {
	archive := storage.NewMemoryArchive()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	charges := []domain.OverageCharge{
		{ID: "c-1", Tool: "canoe", BorrowID: "b-1", User: "alice", ChargedAt: base, Amount: 100},
		{ID: "c-2", Tool: "simulink", BorrowID: "b-2", User: "bob", ChargedAt: base.Add(time.Minute), Amount: 250},
		{ID: "c-3", Tool: "canoe", BorrowID: "b-3", User: "carol", ChargedAt: base.Add(2 * time.Minute), Amount: 100},
	}
	for i := range charges {
		if err := archive.SaveOverageCharge(ctx, &charges[i]); err != nil {
			t.Fatalf("SaveOverageCharge(%s): %v", charges[i].ID, err)
		}
	}

	all, err := archive.ListOverageCharges(ctx, "")
	if err != nil {
		t.Fatalf("ListOverageCharges: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c-3" {
		t.Errorf("got %d charges, first %s; want 3 charges, first c-3", len(all), all[0].ID)
	}

	canoe, err := archive.ListOverageCharges(ctx, "canoe")
	if err != nil {
		t.Fatalf("ListOverageCharges(canoe): %v", err)
	}
	if len(canoe) != 2 {
		t.Errorf("got %d canoe charges, want 2", len(canoe))
	}
	for _, c := range canoe {
		if c.Tool != "canoe" {
			t.Errorf("filter leaked charge for %s", c.Tool)
		}
	}
}
