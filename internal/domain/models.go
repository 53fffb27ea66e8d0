package domain

import "time"

const (
	RoleOwner    = "owner"
	RoleEmployee = "employee"
)

const (
	KindSale     = "sale"
	KindPurchase = "purchase"
)

// Account is a registered store owner. It is the root of data ownership:
// products, employees and transactions all belong to exactly one account.
type Account struct {
	ID           string    `json:"id"`
	StoreName    string    `json:"store_name"`
	OwnerName    string    `json:"owner_name"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	CreatedAt    time.Time `json:"created_at"`
}

// Employee acts on behalf of one account and carries its own credentials.
type Employee struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Name         string    `json:"name"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	CreatedAt    time.Time `json:"created_at"`
}

// Principal is the authenticated caller. AccountID is the owning-account
// scope every catalog and document query is filtered by: owners resolve to
// themselves, employees to their owner's account.
type Principal struct {
	ID        string
	Role      string
	AccountID string
}

type Product struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"account_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	Category          string    `json:"category"`
	PurchaseCostCents int64     `json:"purchase_cost_cents"`
	SalePriceCents    int64     `json:"sale_price_cents"`
	Stock             int       `json:"stock"`
	ImageRef          string    `json:"image_ref,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Transaction is a sale or purchase document header. TotalCents always
// equals the sum of its current lines' subtotals.
type Transaction struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	AccountID  string            `json:"account_id"`
	EmployeeID string            `json:"employee_id,omitempty"`
	Date       time.Time         `json:"date"`
	TotalCents int64             `json:"total_cents"`
	CreatedAt  time.Time         `json:"created_at"`
	Lines      []TransactionLine `json:"lines,omitempty"`
}

// TransactionLine references one product. UnitPriceCents is captured from
// the product at line creation (sale price for sales, purchase cost for
// purchases) and re-captured on edits; SubtotalCents = Qty × UnitPriceCents.
type TransactionLine struct {
	ID             string `json:"id"`
	TransactionID  string `json:"transaction_id"`
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

// LineInput is one (product, quantity) pair of a transaction create request.
type LineInput struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type TransactionCreateRequest struct {
	Kind  string      `json:"kind"`
	Date  string      `json:"date,omitempty"`
	Lines []LineInput `json:"lines"`
}

type LineEditRequest struct {
	Qty int `json:"qty"`
}

type RegisterRequest struct {
	StoreName string `json:"store_name"`
	OwnerName string `json:"owner_name"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	AccountID   string `json:"account_id"`
	ExpiresAt   string `json:"expires_at"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Profile is the current principal's own record. Exactly one of Account
// and Employee is set depending on the role.
type Profile struct {
	Role     string    `json:"role"`
	Account  *Account  `json:"account,omitempty"`
	Employee *Employee `json:"employee,omitempty"`
}

// ProfileUpdateRequest carries self-service profile edits. StoreName,
// OwnerName and Username apply to owners only; Name applies to employees
// only; Email and Phone apply to both.
type ProfileUpdateRequest struct {
	StoreName *string `json:"store_name,omitempty"`
	OwnerName *string `json:"owner_name,omitempty"`
	Username  *string `json:"username,omitempty"`
	Name      *string `json:"name,omitempty"`
	Email     *string `json:"email,omitempty"`
	Phone     *string `json:"phone,omitempty"`
}

type ProductCreateRequest struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	Category          string `json:"category"`
	PurchaseCostCents int64  `json:"purchase_cost_cents"`
	SalePriceCents    int64  `json:"sale_price_cents"`
	InitialStock      int    `json:"initial_stock"`
	ImageRef          string `json:"image_ref,omitempty"`
}

type ProductUpdateRequest struct {
	Name              *string `json:"name,omitempty"`
	Description       *string `json:"description,omitempty"`
	Category          *string `json:"category,omitempty"`
	PurchaseCostCents *int64  `json:"purchase_cost_cents,omitempty"`
	SalePriceCents    *int64  `json:"sale_price_cents,omitempty"`
	ImageRef          *string `json:"image_ref,omitempty"`
}

type EmployeeCreateRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

type EmployeeUpdateRequest struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
	Phone *string `json:"phone,omitempty"`
}

// DashboardSummary mirrors the store-front landing page: income, expense
// and profit for today and the current month, with percent change against
// yesterday and the previous month.
type DashboardSummary struct {
	AccountID string `json:"account_id"`

	DailySalesCents       int64 `json:"daily_sales_cents"`
	MonthlySalesCents     int64 `json:"monthly_sales_cents"`
	DailyPurchasesCents   int64 `json:"daily_purchases_cents"`
	MonthlyPurchasesCents int64 `json:"monthly_purchases_cents"`
	DailyProfitCents      int64 `json:"daily_profit_cents"`
	MonthlyProfitCents    int64 `json:"monthly_profit_cents"`

	DailySalesChange       string `json:"daily_sales_change"`
	MonthlySalesChange     string `json:"monthly_sales_change"`
	DailyPurchasesChange   string `json:"daily_purchases_change"`
	MonthlyPurchasesChange string `json:"monthly_purchases_change"`
	DailyProfitChange      string `json:"daily_profit_change"`
	MonthlyProfitChange    string `json:"monthly_profit_change"`

	GeneratedAt string `json:"generated_at"`
}
