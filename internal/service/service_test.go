package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"notisq/backend/internal/cache"
	"notisq/backend/internal/domain"
	"notisq/backend/internal/store"
	"notisq/backend/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()

	repo := memory.New()
	ctx := context.Background()

	if _, err := repo.CreateAccount(ctx, domain.Account{
		ID:           "acc-1",
		StoreName:    "Toko Uji",
		OwnerName:    "Pemilik Uji",
		Username:     "pemilik",
		PasswordHash: "$2a$10$placeholderplaceholderplaceholderplachx",
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if _, err := repo.CreateEmployee(ctx, domain.Employee{
		ID:           "emp-1",
		AccountID:    "acc-1",
		Name:         "Kasir Uji",
		Username:     "kasir",
		PasswordHash: "$2a$10$placeholderplaceholderplaceholderplachy",
	}); err != nil {
		t.Fatalf("seed employee: %v", err)
	}
	if _, err := repo.CreateProduct(ctx, domain.Product{
		ID: "prod-p", AccountID: "acc-1", Name: "Produk P",
		SalePriceCents: 500, PurchaseCostCents: 350, Stock: 10,
	}); err != nil {
		t.Fatalf("seed product P: %v", err)
	}
	if _, err := repo.CreateProduct(ctx, domain.Product{
		ID: "prod-q", AccountID: "acc-1", Name: "Produk Q",
		SalePriceCents: 450, PurchaseCostCents: 300, Stock: 0,
	}); err != nil {
		t.Fatalf("seed product Q: %v", err)
	}

	return New(repo, cache.NoopSummaryCache{}, time.Minute), repo
}

func ownerContext() context.Context {
	return WithPrincipal(context.Background(), domain.Principal{
		ID: "acc-1", Role: domain.RoleOwner, AccountID: "acc-1",
	})
}

func employeeContext() context.Context {
	return WithPrincipal(context.Background(), domain.Principal{
		ID: "emp-1", Role: domain.RoleEmployee, AccountID: "acc-1",
	})
}

func productStock(t *testing.T, svc *Service, ctx context.Context, id string) int {
	t.Helper()
	product, err := svc.GetProduct(ctx, id)
	if err != nil {
		t.Fatalf("get product %s: %v", id, err)
	}
	return product.Stock
}

func TestSaleLineLifecycleReconcilesStockAndTotal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerContext()

	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind:  domain.KindSale,
		Lines: []domain.LineInput{{ProductID: "prod-p", Qty: 4}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if tx.TotalCents != 2000 {
		t.Fatalf("expected total 2000 after sale of 4x500, got %d", tx.TotalCents)
	}
	if got := productStock(t, svc, ctx, "prod-p"); got != 6 {
		t.Fatalf("expected stock 6 after sale, got %d", got)
	}

	edited, err := svc.EditLine(ctx, tx.Lines[0].ID, domain.LineEditRequest{Qty: 2})
	if err != nil {
		t.Fatalf("edit line: %v", err)
	}
	if edited.TotalCents != 1000 {
		t.Fatalf("expected total 1000 after edit to qty 2, got %d", edited.TotalCents)
	}
	if got := productStock(t, svc, ctx, "prod-p"); got != 8 {
		t.Fatalf("expected stock 8 after edit, got %d", got)
	}

	remaining, err := svc.DeleteLine(ctx, tx.Lines[0].ID)
	if err != nil {
		t.Fatalf("delete line: %v", err)
	}
	if remaining.TotalCents != 0 {
		t.Fatalf("expected total 0 after deleting the only line, got %d", remaining.TotalCents)
	}
	if got := productStock(t, svc, ctx, "prod-p"); got != 10 {
		t.Fatalf("expected stock back at 10 after line delete, got %d", got)
	}
}

func TestPurchaseDeleteReversesReceivedStock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerContext()

	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind:  domain.KindPurchase,
		Lines: []domain.LineInput{{ProductID: "prod-q", Qty: 5}},
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if tx.TotalCents != 1500 {
		t.Fatalf("expected total 1500 after purchase of 5x300, got %d", tx.TotalCents)
	}
	if got := productStock(t, svc, ctx, "prod-q"); got != 5 {
		t.Fatalf("expected stock 5 after purchase, got %d", got)
	}

	if err := svc.DeleteTransaction(ctx, tx.ID); err != nil {
		t.Fatalf("delete purchase: %v", err)
	}
	if got := productStock(t, svc, ctx, "prod-q"); got != 0 {
		t.Fatalf("expected stock 0 after purchase delete, got %d", got)
	}
	if _, err := svc.GetTransaction(ctx, tx.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted transaction, got %v", err)
	}
}

func TestInsufficientStockLeavesNoPartialState(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerContext()

	_, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind: domain.KindSale,
		Lines: []domain.LineInput{
			{ProductID: "prod-p", Qty: 3},
			{ProductID: "prod-q", Qty: 1},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	if got := productStock(t, svc, ctx, "prod-p"); got != 10 {
		t.Fatalf("expected prod-p untouched at 10 after failed sale, got %d", got)
	}
	sales, err := svc.ListTransactions(ctx, domain.KindSale)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 0 {
		t.Fatalf("expected no sale headers after failed create, got %d", len(sales))
	}
}

func TestDeletingPurchaseConsumedByLaterSaleFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerContext()

	purchase, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind:  domain.KindPurchase,
		Lines: []domain.LineInput{{ProductID: "prod-q", Qty: 5}},
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if _, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind:  domain.KindSale,
		Lines: []domain.LineInput{{ProductID: "prod-q", Qty: 5}},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	// Reversing the purchase would drive stock to -5.
	if err := svc.DeleteTransaction(ctx, purchase.ID); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock deleting consumed purchase, got %v", err)
	}
	if got := productStock(t, svc, ctx, "prod-q"); got != 0 {
		t.Fatalf("expected stock 0 after rejected delete, got %d", got)
	}
}

func TestUnusableLinesAreSkipped(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerContext()

	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind: domain.KindSale,
		Lines: []domain.LineInput{
			{ProductID: "", Qty: 3},
			{ProductID: "prod-p", Qty: 0},
			{ProductID: "prod-p", Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if len(tx.Lines) != 1 || tx.Lines[0].Qty != 2 {
		t.Fatalf("expected one surviving line with qty 2, got %+v", tx.Lines)
	}

	_, err = svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind:  domain.KindSale,
		Lines: []domain.LineInput{{ProductID: "", Qty: 1}, {ProductID: "prod-p", Qty: 0}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation when no line survives, got %v", err)
	}
}

func TestEmployeeMayOnlyMutateOwnTransactions(t *testing.T) {
	svc, _ := newTestService(t)

	ownerTx, err := svc.CreateTransaction(ownerContext(), domain.TransactionCreateRequest{
		Kind:  domain.KindSale,
		Lines: []domain.LineInput{{ProductID: "prod-p", Qty: 1}},
	})
	if err != nil {
		t.Fatalf("owner create sale: %v", err)
	}

	_, err = svc.EditLine(employeeContext(), ownerTx.Lines[0].ID, domain.LineEditRequest{Qty: 2})
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for employee editing owner's line, got %v", err)
	}
	if err := svc.DeleteTransaction(employeeContext(), ownerTx.ID); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for employee deleting owner's transaction, got %v", err)
	}

	empTx, err := svc.CreateTransaction(employeeContext(), domain.TransactionCreateRequest{
		Kind:  domain.KindSale,
		Lines: []domain.LineInput{{ProductID: "prod-p", Qty: 2}},
	})
	if err != nil {
		t.Fatalf("employee create sale: %v", err)
	}
	if empTx.EmployeeID != "emp-1" {
		t.Fatalf("expected employee id recorded on transaction, got %q", empTx.EmployeeID)
	}
	if _, err := svc.EditLine(employeeContext(), empTx.Lines[0].ID, domain.LineEditRequest{Qty: 1}); err != nil {
		t.Fatalf("employee edit own line: %v", err)
	}

	// The owner can always mutate documents in the account.
	if err := svc.DeleteTransaction(ownerContext(), empTx.ID); err != nil {
		t.Fatalf("owner delete employee transaction: %v", err)
	}
}

func TestOperationsRequireAuthentication(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.ListProducts(context.Background()); !errors.Is(err, store.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := svc.CreateTransaction(context.Background(), domain.TransactionCreateRequest{
		Kind:  domain.KindSale,
		Lines: []domain.LineInput{{ProductID: "prod-p", Qty: 1}},
	}); !errors.Is(err, store.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestEmployeeManagementIsOwnerOnly(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.ListEmployees(employeeContext()); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for employee listing employees, got %v", err)
	}
	if _, err := svc.CreateEmployee(employeeContext(), domain.EmployeeCreateRequest{
		Name: "Lain", Username: "lain", Password: "rahasia-lain",
	}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for employee creating employees, got %v", err)
	}

	created, err := svc.CreateEmployee(ownerContext(), domain.EmployeeCreateRequest{
		Name: "Kasir Dua", Username: "kasir2", Password: "rahasia-kasir",
	})
	if err != nil {
		t.Fatalf("owner create employee: %v", err)
	}
	if created.PasswordHash == "rahasia-kasir" {
		t.Fatalf("expected password to be hashed")
	}

	employees, err := svc.ListEmployees(ownerContext())
	if err != nil {
		t.Fatalf("list employees: %v", err)
	}
	if len(employees) != 2 {
		t.Fatalf("expected 2 employees, got %d", len(employees))
	}
}

func TestEditLineRejectsNonPositiveQty(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerContext()

	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind:  domain.KindSale,
		Lines: []domain.LineInput{{ProductID: "prod-p", Qty: 2}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if _, err := svc.EditLine(ctx, tx.Lines[0].ID, domain.LineEditRequest{Qty: 0}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for qty 0, got %v", err)
	}
	if got := productStock(t, svc, ctx, "prod-p"); got != 8 {
		t.Fatalf("expected stock unchanged at 8 after rejected edit, got %d", got)
	}
}

func TestEditRaisingSaleQtyBeyondStockFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerContext()

	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind:  domain.KindSale,
		Lines: []domain.LineInput{{ProductID: "prod-p", Qty: 4}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	// Stock is 6; raising the line from 4 to 20 needs 16 more.
	if _, err := svc.EditLine(ctx, tx.Lines[0].ID, domain.LineEditRequest{Qty: 20}); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if got := productStock(t, svc, ctx, "prod-p"); got != 6 {
		t.Fatalf("expected stock unchanged at 6 after rejected edit, got %d", got)
	}

	current, err := svc.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if current.Lines[0].Qty != 4 || current.TotalCents != 2000 {
		t.Fatalf("expected line untouched (qty 4, total 2000), got qty %d total %d", current.Lines[0].Qty, current.TotalCents)
	}
}

func TestTransactionDateParsing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerContext()

	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind:  domain.KindSale,
		Date:  "2026-03-02",
		Lines: []domain.LineInput{{ProductID: "prod-p", Qty: 1}},
	})
	if err != nil {
		t.Fatalf("create sale with date: %v", err)
	}
	want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if !tx.Date.Equal(want) {
		t.Fatalf("expected date %v, got %v", want, tx.Date)
	}

	if _, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind:  domain.KindSale,
		Date:  "02/03/2026",
		Lines: []domain.LineInput{{ProductID: "prod-p", Qty: 1}},
	}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for malformed date, got %v", err)
	}
}

func TestDashboardSummaryAggregates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerContext()

	if _, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind:  domain.KindPurchase,
		Lines: []domain.LineInput{{ProductID: "prod-q", Qty: 5}},
	}); err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if _, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind:  domain.KindSale,
		Lines: []domain.LineInput{{ProductID: "prod-q", Qty: 2}},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	summary, err := svc.DashboardSummary(ctx)
	if err != nil {
		t.Fatalf("dashboard summary: %v", err)
	}
	if summary.DailySalesCents != 900 {
		t.Fatalf("expected daily sales 900, got %d", summary.DailySalesCents)
	}
	if summary.DailyPurchasesCents != 1500 {
		t.Fatalf("expected daily purchases 1500, got %d", summary.DailyPurchasesCents)
	}
	if summary.DailyProfitCents != -600 {
		t.Fatalf("expected daily profit -600, got %d", summary.DailyProfitCents)
	}
	if summary.MonthlySalesCents != 900 {
		t.Fatalf("expected monthly sales 900, got %d", summary.MonthlySalesCents)
	}
	if summary.DailySalesChange != "+0.00%" {
		t.Fatalf("expected zero-baseline change string, got %q", summary.DailySalesChange)
	}
}

func TestFormatChange(t *testing.T) {
	cases := []struct {
		current, previous int64
		want              string
	}{
		{150, 100, "+50.00%"},
		{50, 100, "-50.00%"},
		{100, 100, "+0.00%"},
		{100, 0, "+0.00%"},
		{0, 100, "-100.00%"},
	}
	for _, tc := range cases {
		if got := formatChange(tc.current, tc.previous); got != tc.want {
			t.Fatalf("formatChange(%d, %d) = %q, want %q", tc.current, tc.previous, got, tc.want)
		}
	}
}

func TestTotalsAlwaysMatchLineSubtotals(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerContext()

	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind: domain.KindSale,
		Lines: []domain.LineInput{
			{ProductID: "prod-p", Qty: 3},
			{ProductID: "prod-p", Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	assertTotalInvariant(t, tx)

	tx, err = svc.EditLine(ctx, tx.Lines[0].ID, domain.LineEditRequest{Qty: 1})
	if err != nil {
		t.Fatalf("edit line: %v", err)
	}
	assertTotalInvariant(t, tx)

	tx, err = svc.DeleteLine(ctx, tx.Lines[1].ID)
	if err != nil {
		t.Fatalf("delete line: %v", err)
	}
	assertTotalInvariant(t, tx)
}

func assertTotalInvariant(t *testing.T, tx *domain.Transaction) {
	t.Helper()
	var sum int64
	for _, line := range tx.Lines {
		sum += line.SubtotalCents
	}
	if tx.TotalCents != sum {
		t.Fatalf("total %d does not equal line subtotal sum %d", tx.TotalCents, sum)
	}
}

func TestDeleteTransactionToleratesMissingProduct(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerContext()

	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Kind:  domain.KindSale,
		Lines: []domain.LineInput{{ProductID: "prod-p", Qty: 4}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if err := svc.DeleteProduct(ctx, "prod-p"); err != nil {
		t.Fatalf("delete product: %v", err)
	}

	// The stock reversal for the vanished product is skipped; the delete
	// still succeeds and removes the document.
	if err := svc.DeleteTransaction(ctx, tx.ID); err != nil {
		t.Fatalf("delete transaction after product removal: %v", err)
	}
	if _, err := svc.GetTransaction(ctx, tx.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted transaction, got %v", err)
	}
}

func TestOwnerProfileReadAndUpdate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerContext()

	profile, err := svc.GetProfile(ctx)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.Role != domain.RoleOwner || profile.Account == nil || profile.Account.Username != "pemilik" {
		t.Fatalf("unexpected owner profile %+v", profile)
	}

	storeName := "Toko Uji Baru"
	username := "pemilik-baru"
	updated, err := svc.UpdateProfile(ctx, domain.ProfileUpdateRequest{
		StoreName: &storeName,
		Username:  &username,
	})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Account.StoreName != "Toko Uji Baru" || updated.Account.Username != "pemilik-baru" {
		t.Fatalf("unexpected updated account %+v", updated.Account)
	}

	// Taking an employee's username is rejected.
	taken := "kasir"
	if _, err := svc.UpdateProfile(ctx, domain.ProfileUpdateRequest{Username: &taken}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for taken username, got %v", err)
	}

	name := "Nama"
	if _, err := svc.UpdateProfile(ctx, domain.ProfileUpdateRequest{Name: &name}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for employee-only field, got %v", err)
	}
}

func TestEmployeeProfileUpdatesOwnContact(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeContext()

	profile, err := svc.GetProfile(ctx)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.Role != domain.RoleEmployee || profile.Employee == nil || profile.Employee.ID != "emp-1" {
		t.Fatalf("unexpected employee profile %+v", profile)
	}

	name := "Kasir Uji Baru"
	phone := "0811111111"
	updated, err := svc.UpdateProfile(ctx, domain.ProfileUpdateRequest{
		Name:  &name,
		Phone: &phone,
	})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Employee.Name != "Kasir Uji Baru" || updated.Employee.Phone != "0811111111" {
		t.Fatalf("unexpected updated employee %+v", updated.Employee)
	}

	storeName := "Toko Curian"
	if _, err := svc.UpdateProfile(ctx, domain.ProfileUpdateRequest{StoreName: &storeName}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for owner-only field, got %v", err)
	}
}

func TestChangePasswordVerifiesCurrent(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateEmployee(ownerContext(), domain.EmployeeCreateRequest{
		Name: "Kasir Tiga", Username: "kasir3", Password: "rahasia-lama",
	}); err != nil {
		t.Fatalf("create employee: %v", err)
	}
	created, err := repo.GetEmployeeByUsername(ctx, "kasir3")
	if err != nil {
		t.Fatalf("get employee: %v", err)
	}

	empCtx := WithPrincipal(ctx, domain.Principal{
		ID: created.ID, Role: domain.RoleEmployee, AccountID: "acc-1",
	})

	err = svc.ChangePassword(empCtx, domain.ChangePasswordRequest{
		CurrentPassword: "salah", NewPassword: "rahasia-baru",
	})
	if !errors.Is(err, store.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for wrong current password, got %v", err)
	}

	if err := svc.ChangePassword(empCtx, domain.ChangePasswordRequest{
		CurrentPassword: "rahasia-lama", NewPassword: "rahasia-baru",
	}); err != nil {
		t.Fatalf("change password: %v", err)
	}

	after, err := repo.GetEmployeeByUsername(ctx, "kasir3")
	if err != nil {
		t.Fatalf("get employee after change: %v", err)
	}
	if after.PasswordHash == created.PasswordHash {
		t.Fatalf("expected password hash to change")
	}
}
