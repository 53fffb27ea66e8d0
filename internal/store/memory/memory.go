package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"notisq/backend/internal/domain"
	"notisq/backend/internal/store"
	"notisq/backend/internal/xid"
)

// Store is an in-memory Repository used in dev mode and tests. Every
// reconciliation operation validates against staged state before applying
// anything, so a failing operation leaves no partial writes behind, matching
// the postgres store's transactional semantics.
type Store struct {
	mu               sync.RWMutex
	accountsByID     map[string]domain.Account
	employeesByID    map[string]domain.Employee
	productsByID     map[string]domain.Product
	transactionsByID map[string]*domain.Transaction
	lineIndex        map[string]string // line id -> transaction id
}

func New() *Store {
	return &Store{
		accountsByID:     make(map[string]domain.Account),
		employeesByID:    make(map[string]domain.Employee),
		productsByID:     make(map[string]domain.Product),
		transactionsByID: make(map[string]*domain.Transaction),
		lineIndex:        make(map[string]string),
	}
}

// NewSeeded returns a store preloaded with a demo account, one employee and
// a small catalog. Credentials come from SEED_OWNER_PASSWORD and
// SEED_EMPLOYEE_PASSWORD; hardcoded dev defaults are used with a warning
// when unset. Production deployments use PostgreSQL (DATABASE_URL).
func NewSeeded() *Store {
	s := New()

	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner123")
	employeePwd := envOr("SEED_EMPLOYEE_PASSWORD", "kasir123")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_EMPLOYEE_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_OWNER_PASSWORD and SEED_EMPLOYEE_PASSWORD to override.")
	}

	now := time.Now().UTC()
	account := domain.Account{
		ID:           "acc-demo",
		StoreName:    "Toko Demo",
		OwnerName:    "Pemilik Demo",
		Username:     "owner",
		PasswordHash: mustHash(ownerPwd),
		Email:        "owner@example.com",
		Phone:        "0800000001",
		CreatedAt:    now,
	}
	employee := domain.Employee{
		ID:           "emp-demo",
		AccountID:    account.ID,
		Name:         "Kasir Demo",
		Username:     "kasir",
		PasswordHash: mustHash(employeePwd),
		Email:        "kasir@example.com",
		Phone:        "0800000002",
		CreatedAt:    now,
	}

	s.accountsByID[account.ID] = account
	s.employeesByID[employee.ID] = employee

	for _, p := range []domain.Product{
		{ID: "prod-mie", AccountID: account.ID, Name: "Mie Instan", Description: "Mie instan goreng", Category: "grocery", PurchaseCostCents: 2500, SalePriceCents: 3500, Stock: 120, CreatedAt: now},
		{ID: "prod-telur", AccountID: account.ID, Name: "Telur Ayam", Description: "Telur ayam per butir", Category: "grocery", PurchaseCostCents: 1800, SalePriceCents: 2500, Stock: 80, CreatedAt: now},
		{ID: "prod-kopi", AccountID: account.ID, Name: "Kopi Sachet", Description: "Kopi sachet 20g", Category: "beverage", PurchaseCostCents: 1200, SalePriceCents: 2000, Stock: 200, CreatedAt: now},
	} {
		s.productsByID[p.ID] = p
	}

	return s
}

func envOr(key string, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func mustHash(password string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		// bcrypt only fails on oversized input; seed passwords are short.
		return ""
	}
	return string(hash)
}

func (s *Store) CreateAccount(_ context.Context, account domain.Account) (*domain.Account, error) {
	if account.Username == "" || account.PasswordHash == "" || account.StoreName == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.accountsByID {
		if existing.Username == account.Username {
			return nil, fmt.Errorf("%w: username already taken", store.ErrValidation)
		}
	}
	for _, existing := range s.employeesByID {
		if existing.Username == account.Username {
			return nil, fmt.Errorf("%w: username already taken", store.ErrValidation)
		}
	}

	if account.ID == "" {
		account.ID = xid.New("acc")
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	s.accountsByID[account.ID] = account

	created := account
	return &created, nil
}

func (s *Store) GetAccountByUsername(_ context.Context, username string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, account := range s.accountsByID {
		if account.Username == username {
			found := account
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetAccountByID(_ context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accountsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := account
	return &found, nil
}

func (s *Store) UpdateAccount(_ context.Context, account domain.Account) (*domain.Account, error) {
	if account.Username == "" || account.StoreName == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accountsByID[account.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if account.Username != existing.Username {
		for _, other := range s.accountsByID {
			if other.ID != account.ID && other.Username == account.Username {
				return nil, fmt.Errorf("%w: username already taken", store.ErrValidation)
			}
		}
		for _, employee := range s.employeesByID {
			if employee.Username == account.Username {
				return nil, fmt.Errorf("%w: username already taken", store.ErrValidation)
			}
		}
	}

	existing.StoreName = account.StoreName
	existing.OwnerName = account.OwnerName
	existing.Username = account.Username
	existing.Email = account.Email
	existing.Phone = account.Phone
	s.accountsByID[account.ID] = existing

	updated := existing
	return &updated, nil
}

func (s *Store) UpdateAccountPassword(_ context.Context, id string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accountsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	account.PasswordHash = passwordHash
	s.accountsByID[id] = account
	return nil
}

func (s *Store) CreateEmployee(_ context.Context, employee domain.Employee) (*domain.Employee, error) {
	if employee.AccountID == "" || employee.Username == "" || employee.PasswordHash == "" || employee.Name == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accountsByID[employee.AccountID]; !ok {
		return nil, store.ErrNotFound
	}
	for _, existing := range s.employeesByID {
		if existing.Username == employee.Username {
			return nil, fmt.Errorf("%w: username already taken", store.ErrValidation)
		}
	}
	for _, existing := range s.accountsByID {
		if existing.Username == employee.Username {
			return nil, fmt.Errorf("%w: username already taken", store.ErrValidation)
		}
	}

	if employee.ID == "" {
		employee.ID = xid.New("emp")
	}
	if employee.CreatedAt.IsZero() {
		employee.CreatedAt = time.Now().UTC()
	}
	s.employeesByID[employee.ID] = employee

	created := employee
	return &created, nil
}

func (s *Store) GetEmployeeByUsername(_ context.Context, username string) (*domain.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, employee := range s.employeesByID {
		if employee.Username == username {
			found := employee
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetEmployeeByID(_ context.Context, id string) (*domain.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	employee, ok := s.employeesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := employee
	return &found, nil
}

func (s *Store) ListEmployees(_ context.Context, accountID string) ([]domain.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	employees := make([]domain.Employee, 0, 8)
	for _, employee := range s.employeesByID {
		if employee.AccountID == accountID {
			employees = append(employees, employee)
		}
	}
	sort.Slice(employees, func(i, j int) bool {
		return employees[i].Name < employees[j].Name
	})
	return employees, nil
}

func (s *Store) UpdateEmployee(_ context.Context, employee domain.Employee) (*domain.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.employeesByID[employee.ID]
	if !ok || existing.AccountID != employee.AccountID {
		return nil, store.ErrNotFound
	}
	existing.Name = employee.Name
	existing.Email = employee.Email
	existing.Phone = employee.Phone
	s.employeesByID[employee.ID] = existing

	updated := existing
	return &updated, nil
}

func (s *Store) UpdateEmployeePassword(_ context.Context, id string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	employee, ok := s.employeesByID[id]
	if !ok {
		return store.ErrNotFound
	}
	employee.PasswordHash = passwordHash
	s.employeesByID[id] = employee
	return nil
}

func (s *Store) DeleteEmployee(_ context.Context, accountID string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	employee, ok := s.employeesByID[id]
	if !ok || employee.AccountID != accountID {
		return store.ErrNotFound
	}
	delete(s.employeesByID, id)
	return nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.AccountID == "" || product.Name == "" {
		return nil, store.ErrValidation
	}
	if product.SalePriceCents < 0 || product.PurchaseCostCents < 0 || product.Stock < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	s.productsByID[product.ID] = product

	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, accountID string, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.productsByID[id]
	if !ok || product.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	found := product
	return &found, nil
}

func (s *Store) ListProducts(_ context.Context, accountID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, 32)
	for _, product := range s.productsByID {
		if product.AccountID == accountID {
			products = append(products, product)
		}
	}
	sort.Slice(products, func(i, j int) bool {
		return products[i].Name < products[j].Name
	})
	return products, nil
}

func (s *Store) SearchProducts(_ context.Context, accountID string, query string) ([]domain.Product, error) {
	needle := strings.ToLower(strings.TrimSpace(query))

	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, 16)
	for _, product := range s.productsByID {
		if product.AccountID != accountID {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(product.Name), needle) {
			continue
		}
		products = append(products, product)
	}
	sort.Slice(products, func(i, j int) bool {
		return products[i].Name < products[j].Name
	})
	return products, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.SalePriceCents < 0 || product.PurchaseCostCents < 0 || product.Stock < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.productsByID[product.ID]
	if !ok || existing.AccountID != product.AccountID {
		return nil, store.ErrNotFound
	}
	existing.Name = product.Name
	existing.Description = product.Description
	existing.Category = product.Category
	existing.PurchaseCostCents = product.PurchaseCostCents
	existing.SalePriceCents = product.SalePriceCents
	existing.ImageRef = product.ImageRef
	s.productsByID[product.ID] = existing

	updated := existing
	return &updated, nil
}

func (s *Store) DeleteProduct(_ context.Context, accountID string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.productsByID[id]
	if !ok || product.AccountID != accountID {
		return store.ErrNotFound
	}
	delete(s.productsByID, id)
	return nil
}

func (s *Store) CreateTransaction(_ context.Context, kind string, accountID string, employeeID string, date time.Time, lines []domain.LineInput) (*domain.Transaction, error) {
	if kind != domain.KindSale && kind != domain.KindPurchase {
		return nil, store.ErrValidation
	}
	if len(lines) == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every line against staged stock before touching anything.
	// Duplicate product lines are allowed and each posts independently, so
	// stock is tracked cumulatively across the request.
	stagedStock := make(map[string]int, len(lines))
	tx := &domain.Transaction{
		ID:         xid.New("tx"),
		Kind:       kind,
		AccountID:  accountID,
		EmployeeID: employeeID,
		Date:       date,
		CreatedAt:  time.Now().UTC(),
	}

	for _, input := range lines {
		if input.Qty < 1 {
			return nil, store.ErrValidation
		}
		product, ok := s.productsByID[input.ProductID]
		if !ok || product.AccountID != accountID {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, input.ProductID)
		}

		stock, staged := stagedStock[product.ID]
		if !staged {
			stock = product.Stock
		}

		var unitPrice int64
		if kind == domain.KindSale {
			unitPrice = product.SalePriceCents
			if input.Qty > stock {
				return nil, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, product.Name)
			}
			stock -= input.Qty
		} else {
			unitPrice = product.PurchaseCostCents
			stock += input.Qty
		}
		stagedStock[product.ID] = stock

		subtotal := int64(input.Qty) * unitPrice
		tx.Lines = append(tx.Lines, domain.TransactionLine{
			ID:             xid.New("line"),
			TransactionID:  tx.ID,
			ProductID:      product.ID,
			Qty:            input.Qty,
			UnitPriceCents: unitPrice,
			SubtotalCents:  subtotal,
		})
		tx.TotalCents += subtotal
	}

	for productID, stock := range stagedStock {
		product := s.productsByID[productID]
		product.Stock = stock
		s.productsByID[productID] = product
	}
	s.transactionsByID[tx.ID] = tx
	for _, line := range tx.Lines {
		s.lineIndex[line.ID] = tx.ID
	}

	return cloneTransaction(tx), nil
}

func (s *Store) GetTransaction(_ context.Context, accountID string, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok || tx.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) GetTransactionByLine(_ context.Context, accountID string, lineID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txID, ok := s.lineIndex[lineID]
	if !ok {
		return nil, store.ErrNotFound
	}
	tx, ok := s.transactionsByID[txID]
	if !ok || tx.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, kind string, accountID string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transactions := make([]domain.Transaction, 0, 32)
	for _, tx := range s.transactionsByID {
		if tx.Kind != kind || tx.AccountID != accountID {
			continue
		}
		header := *cloneTransaction(tx)
		header.Lines = nil
		transactions = append(transactions, header)
	}
	sort.Slice(transactions, func(i, j int) bool {
		if transactions[i].Date.Equal(transactions[j].Date) {
			return transactions[i].CreatedAt.After(transactions[j].CreatedAt)
		}
		return transactions[i].Date.After(transactions[j].Date)
	})
	return transactions, nil
}

func (s *Store) EditLine(_ context.Context, accountID string, lineID string, newQty int) (*domain.Transaction, error) {
	if newQty < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, idx, err := s.findLineLocked(accountID, lineID)
	if err != nil {
		return nil, err
	}
	line := tx.Lines[idx]

	product, ok := s.productsByID[line.ProductID]
	if !ok || product.AccountID != accountID {
		return nil, store.ErrNotFound
	}

	// One sign convention for both kinds: a sale returns old-new to stock,
	// a purchase takes old-new back out. The result must stay non-negative.
	delta := line.Qty - newQty
	newStock := product.Stock
	if tx.Kind == domain.KindSale {
		newStock += delta
	} else {
		newStock -= delta
	}
	if newStock < 0 {
		return nil, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, product.Name)
	}

	product.Stock = newStock
	s.productsByID[product.ID] = product

	line.Qty = newQty
	line.SubtotalCents = int64(newQty) * line.UnitPriceCents
	tx.Lines[idx] = line
	resumTotalLocked(tx)

	return cloneTransaction(tx), nil
}

func (s *Store) DeleteLine(_ context.Context, accountID string, lineID string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, idx, err := s.findLineLocked(accountID, lineID)
	if err != nil {
		return nil, err
	}
	line := tx.Lines[idx]

	if product, ok := s.productsByID[line.ProductID]; ok && product.AccountID == accountID {
		newStock := product.Stock
		if tx.Kind == domain.KindSale {
			newStock += line.Qty
		} else {
			newStock -= line.Qty
		}
		if newStock < 0 {
			return nil, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, product.Name)
		}
		product.Stock = newStock
		s.productsByID[product.ID] = product
	}

	tx.Lines = append(tx.Lines[:idx], tx.Lines[idx+1:]...)
	delete(s.lineIndex, lineID)
	resumTotalLocked(tx)

	return cloneTransaction(tx), nil
}

func (s *Store) DeleteTransaction(_ context.Context, accountID string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok || tx.AccountID != accountID {
		return store.ErrNotFound
	}

	// Validate all stock reversals before applying any. A product deleted
	// since the transaction was posted is tolerated and skipped.
	stagedStock := make(map[string]int, len(tx.Lines))
	for _, line := range tx.Lines {
		product, ok := s.productsByID[line.ProductID]
		if !ok || product.AccountID != accountID {
			continue
		}
		stock, staged := stagedStock[product.ID]
		if !staged {
			stock = product.Stock
		}
		if tx.Kind == domain.KindSale {
			stock += line.Qty
		} else {
			stock -= line.Qty
		}
		if stock < 0 {
			return fmt.Errorf("%w: product %s", store.ErrInsufficientStock, product.Name)
		}
		stagedStock[product.ID] = stock
	}

	for productID, stock := range stagedStock {
		product := s.productsByID[productID]
		product.Stock = stock
		s.productsByID[productID] = product
	}
	for _, line := range tx.Lines {
		delete(s.lineIndex, line.ID)
	}
	delete(s.transactionsByID, id)
	return nil
}

func (s *Store) SumTransactionTotals(_ context.Context, kind string, accountID string, from time.Time, to time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, tx := range s.transactionsByID {
		if tx.Kind != kind || tx.AccountID != accountID {
			continue
		}
		if tx.Date.Before(from) || !tx.Date.Before(to) {
			continue
		}
		sum += tx.TotalCents
	}
	return sum, nil
}

func (s *Store) findLineLocked(accountID string, lineID string) (*domain.Transaction, int, error) {
	txID, ok := s.lineIndex[lineID]
	if !ok {
		return nil, 0, store.ErrNotFound
	}
	tx, ok := s.transactionsByID[txID]
	if !ok || tx.AccountID != accountID {
		return nil, 0, store.ErrNotFound
	}
	for idx, line := range tx.Lines {
		if line.ID == lineID {
			return tx, idx, nil
		}
	}
	return nil, 0, store.ErrNotFound
}

// resumTotalLocked recomputes the header total from its surviving lines so
// the total==Σsubtotal invariant holds regardless of the mutation path.
func resumTotalLocked(tx *domain.Transaction) {
	var total int64
	for _, line := range tx.Lines {
		total += line.SubtotalCents
	}
	tx.TotalCents = total
}

func cloneTransaction(tx *domain.Transaction) *domain.Transaction {
	clone := *tx
	clone.Lines = make([]domain.TransactionLine, len(tx.Lines))
	copy(clone.Lines, tx.Lines)
	return &clone
}
