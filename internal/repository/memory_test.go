package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/model"
)

func seedMemOrder(t *testing.T, repo *MemoryOrderRepo, id string, status model.OrderStatus) {
	t.Helper()
	now := time.Now().UTC()
	err := repo.Create(context.Background(), &model.Order{
		ID:            id,
		ConnectionID:  "c1",
		BrokerOrderID: "B-" + id,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
}

// ListOpen feeds the boot-time polling seed, so it must return OPEN rows
// only. FAILED orders already exhausted their retries; re-polling them is
// an explicit admin action, not a restart side effect.
func TestListOpenReturnsOpenOrdersOnly(t *testing.T) {
	repo := NewMemoryOrderRepo(nil)
	ctx := context.Background()

	seedMemOrder(t, repo, "o-open", model.OrderOpen)
	seedMemOrder(t, repo, "o-failed", model.OrderFailed)
	seedMemOrder(t, repo, "o-done", model.OrderComplete)

	open, err := repo.ListOpen(ctx)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("ListOpen returned %d orders, want 1", len(open))
	}
	if open[0].ID != "o-open" {
		t.Fatalf("ListOpen returned %s, want o-open", open[0].ID)
	}
}

func TestUpdateStatusIsForwardOnly(t *testing.T) {
	repo := NewMemoryOrderRepo(nil)
	ctx := context.Background()
	now := time.Now().UTC()

	seedMemOrder(t, repo, "o1", model.OrderOpen)

	if err := repo.UpdateStatus(ctx, "o1", model.OrderComplete, now); err != nil {
		t.Fatalf("OPEN -> COMPLETE: %v", err)
	}

	// A stale poll result must not resurrect a terminal order.
	err := repo.UpdateStatus(ctx, "o1", model.OrderOpen, now)
	if !errors.Is(err, ErrOrderTerminal) {
		t.Fatalf("COMPLETE -> OPEN: got %v, want ErrOrderTerminal", err)
	}
	got, err := repo.GetByID(ctx, "o1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != model.OrderComplete {
		t.Fatalf("status = %s, want COMPLETE", got.Status)
	}

	// FAILED is not terminal; an admin restart may still move it.
	seedMemOrder(t, repo, "o2", model.OrderFailed)
	if err := repo.UpdateStatus(ctx, "o2", model.OrderComplete, now); err != nil {
		t.Fatalf("FAILED -> COMPLETE: %v", err)
	}

	if err := repo.UpdateStatus(ctx, "missing", model.OrderOpen, now); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("missing order: got %v, want ErrOrderNotFound", err)
	}
}
