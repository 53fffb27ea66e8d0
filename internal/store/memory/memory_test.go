package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"notisq/backend/internal/domain"
	"notisq/backend/internal/store"
)

func seedStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()

	for _, id := range []string{"acc-a", "acc-b"} {
		if _, err := s.CreateAccount(ctx, domain.Account{
			ID: id, StoreName: "Toko " + id, OwnerName: "Pemilik", Username: "owner-" + id, PasswordHash: "x",
		}); err != nil {
			t.Fatalf("seed account %s: %v", id, err)
		}
	}
	if _, err := s.CreateProduct(ctx, domain.Product{
		ID: "prod-a", AccountID: "acc-a", Name: "Produk A",
		SalePriceCents: 500, PurchaseCostCents: 300, Stock: 10,
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return s
}

func TestDuplicateLinesConsumeStockCumulatively(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	// 6 + 6 exceeds the 10 in stock even though each line alone fits.
	_, err := s.CreateTransaction(ctx, domain.KindSale, "acc-a", "", date, []domain.LineInput{
		{ProductID: "prod-a", Qty: 6},
		{ProductID: "prod-a", Qty: 6},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	product, err := s.GetProduct(ctx, "acc-a", "prod-a")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 10 {
		t.Fatalf("expected stock untouched at 10, got %d", product.Stock)
	}

	tx, err := s.CreateTransaction(ctx, domain.KindSale, "acc-a", "", date, []domain.LineInput{
		{ProductID: "prod-a", Qty: 6},
		{ProductID: "prod-a", Qty: 4},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if tx.TotalCents != 5000 {
		t.Fatalf("expected total 5000, got %d", tx.TotalCents)
	}
}

func TestLineLookupIsScopedToAccount(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	tx, err := s.CreateTransaction(ctx, domain.KindSale, "acc-a", "", date, []domain.LineInput{
		{ProductID: "prod-a", Qty: 1},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if _, err := s.GetTransactionByLine(ctx, "acc-a", tx.Lines[0].ID); err != nil {
		t.Fatalf("same-account line lookup: %v", err)
	}
	if _, err := s.GetTransactionByLine(ctx, "acc-b", tx.Lines[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across accounts, got %v", err)
	}
	if _, err := s.EditLine(ctx, "acc-b", tx.Lines[0].ID, 2); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound editing across accounts, got %v", err)
	}
}

func TestReturnedTransactionsAreDetached(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	tx, err := s.CreateTransaction(ctx, domain.KindSale, "acc-a", "", date, []domain.LineInput{
		{ProductID: "prod-a", Qty: 2},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	tx.Lines[0].Qty = 999
	tx.TotalCents = 0

	reloaded, err := s.GetTransaction(ctx, "acc-a", tx.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if reloaded.Lines[0].Qty != 2 || reloaded.TotalCents != 1000 {
		t.Fatalf("expected stored state untouched by caller mutation, got qty %d total %d", reloaded.Lines[0].Qty, reloaded.TotalCents)
	}
}

func TestNewSeededProvidesWorkingCatalog(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	account, err := s.GetAccountByUsername(ctx, "owner")
	if err != nil {
		t.Fatalf("seeded owner missing: %v", err)
	}
	products, err := s.ListProducts(ctx, account.ID)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(products) == 0 {
		t.Fatalf("expected seeded products")
	}

	employee, err := s.GetEmployeeByUsername(ctx, "kasir")
	if err != nil {
		t.Fatalf("seeded employee missing: %v", err)
	}
	if employee.AccountID != account.ID {
		t.Fatalf("expected seeded employee scoped to seeded account")
	}
}
