package store

import (
	"context"
	"errors"
	"time"

	"notisq/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrValidation        = errors.New("invalid input")
)

// Repository is the persistence contract shared by the postgres and
// in-memory stores. The four reconciliation operations (CreateTransaction,
// EditLine, DeleteLine, DeleteTransaction) are each a single all-or-nothing
// unit of work: on any error no write they staged is observable.
type Repository interface {
	CreateAccount(ctx context.Context, account domain.Account) (*domain.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*domain.Account, error)
	GetAccountByID(ctx context.Context, id string) (*domain.Account, error)
	UpdateAccount(ctx context.Context, account domain.Account) (*domain.Account, error)
	UpdateAccountPassword(ctx context.Context, id string, passwordHash string) error

	CreateEmployee(ctx context.Context, employee domain.Employee) (*domain.Employee, error)
	GetEmployeeByUsername(ctx context.Context, username string) (*domain.Employee, error)
	GetEmployeeByID(ctx context.Context, id string) (*domain.Employee, error)
	ListEmployees(ctx context.Context, accountID string) ([]domain.Employee, error)
	UpdateEmployee(ctx context.Context, employee domain.Employee) (*domain.Employee, error)
	UpdateEmployeePassword(ctx context.Context, id string, passwordHash string) error
	DeleteEmployee(ctx context.Context, accountID string, id string) error

	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, accountID string, id string) (*domain.Product, error)
	ListProducts(ctx context.Context, accountID string) ([]domain.Product, error)
	SearchProducts(ctx context.Context, accountID string, query string) ([]domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, accountID string, id string) error

	// CreateTransaction persists the header first, then prices each line at
	// the product's current unit price and applies the stock delta. Sales
	// fail with ErrInsufficientStock when qty exceeds stock.
	CreateTransaction(ctx context.Context, kind string, accountID string, employeeID string, date time.Time, lines []domain.LineInput) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, accountID string, id string) (*domain.Transaction, error)
	GetTransactionByLine(ctx context.Context, accountID string, lineID string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, kind string, accountID string) ([]domain.Transaction, error)
	EditLine(ctx context.Context, accountID string, lineID string, newQty int) (*domain.Transaction, error)
	DeleteLine(ctx context.Context, accountID string, lineID string) (*domain.Transaction, error)
	DeleteTransaction(ctx context.Context, accountID string, id string) error

	// SumTransactionTotals returns Σ total_cents of headers of the given
	// kind with date in [from, to).
	SumTransactionTotals(ctx context.Context, kind string, accountID string, from time.Time, to time.Time) (int64, error)
}
