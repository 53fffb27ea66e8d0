package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"notisq/backend/internal/domain"
	"notisq/backend/internal/store"
	"notisq/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables on first boot. Statements are idempotent
// so restarts against a provisioned database are no-ops.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			store_name TEXT NOT NULL,
			owner_name TEXT NOT NULL,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS employees (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			purchase_cost_cents BIGINT NOT NULL DEFAULT 0,
			sale_price_cents BIGINT NOT NULL DEFAULT 0,
			stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
			image_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_products_account ON products(account_id)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK (kind IN ('sale','purchase')),
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			employee_id TEXT NOT NULL DEFAULT '',
			tx_date TIMESTAMPTZ NOT NULL,
			total_cents BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account_kind ON transactions(account_id, kind, tx_date)`,
		`CREATE TABLE IF NOT EXISTS transaction_lines (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
			product_id TEXT NOT NULL,
			qty INTEGER NOT NULL,
			unit_price_cents BIGINT NOT NULL,
			subtotal_cents BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lines_transaction ON transaction_lines(transaction_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateAccount(ctx context.Context, account domain.Account) (*domain.Account, error) {
	if account.Username == "" || account.PasswordHash == "" || account.StoreName == "" {
		return nil, store.ErrValidation
	}

	if account.ID == "" {
		account.ID = xid.New("acc")
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	taken, err := s.usernameTaken(ctx, account.Username)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: username already taken", store.ErrValidation)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, store_name, owner_name, username, password_hash, email, phone, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, account.ID, account.StoreName, account.OwnerName, account.Username, account.PasswordHash, account.Email, account.Phone, account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: username already taken", store.ErrValidation)
		}
		return nil, err
	}

	created := account
	return &created, nil
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (*domain.Account, error) {
	var account domain.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_name, owner_name, username, password_hash, email, phone, created_at
		FROM accounts
		WHERE username = $1
	`, username).Scan(&account.ID, &account.StoreName, &account.OwnerName, &account.Username, &account.PasswordHash, &account.Email, &account.Phone, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (s *Store) GetAccountByID(ctx context.Context, id string) (*domain.Account, error) {
	var account domain.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_name, owner_name, username, password_hash, email, phone, created_at
		FROM accounts
		WHERE id = $1
	`, id).Scan(&account.ID, &account.StoreName, &account.OwnerName, &account.Username, &account.PasswordHash, &account.Email, &account.Phone, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (s *Store) UpdateAccount(ctx context.Context, account domain.Account) (*domain.Account, error) {
	if account.Username == "" || account.StoreName == "" {
		return nil, store.ErrValidation
	}

	existing, err := s.GetAccountByID(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if account.Username != existing.Username {
		taken, err := s.usernameTaken(ctx, account.Username)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, fmt.Errorf("%w: username already taken", store.ErrValidation)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET store_name = $2, owner_name = $3, username = $4, email = $5, phone = $6
		WHERE id = $1
	`, account.ID, account.StoreName, account.OwnerName, account.Username, account.Email, account.Phone)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: username already taken", store.ErrValidation)
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetAccountByID(ctx, account.ID)
}

func (s *Store) UpdateAccountPassword(ctx context.Context, id string, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET password_hash = $2 WHERE id = $1
	`, id, passwordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateEmployee(ctx context.Context, employee domain.Employee) (*domain.Employee, error) {
	if employee.AccountID == "" || employee.Username == "" || employee.PasswordHash == "" || employee.Name == "" {
		return nil, store.ErrValidation
	}

	if employee.ID == "" {
		employee.ID = xid.New("emp")
	}
	if employee.CreatedAt.IsZero() {
		employee.CreatedAt = time.Now().UTC()
	}

	taken, err := s.usernameTaken(ctx, employee.Username)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: username already taken", store.ErrValidation)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO employees (id, account_id, name, username, password_hash, email, phone, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, employee.ID, employee.AccountID, employee.Name, employee.Username, employee.PasswordHash, employee.Email, employee.Phone, employee.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: username already taken", store.ErrValidation)
		}
		return nil, err
	}

	created := employee
	return &created, nil
}

func (s *Store) GetEmployeeByUsername(ctx context.Context, username string) (*domain.Employee, error) {
	var employee domain.Employee
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, username, password_hash, email, phone, created_at
		FROM employees
		WHERE username = $1
	`, username).Scan(&employee.ID, &employee.AccountID, &employee.Name, &employee.Username, &employee.PasswordHash, &employee.Email, &employee.Phone, &employee.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &employee, nil
}

func (s *Store) GetEmployeeByID(ctx context.Context, id string) (*domain.Employee, error) {
	var employee domain.Employee
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, username, password_hash, email, phone, created_at
		FROM employees
		WHERE id = $1
	`, id).Scan(&employee.ID, &employee.AccountID, &employee.Name, &employee.Username, &employee.PasswordHash, &employee.Email, &employee.Phone, &employee.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &employee, nil
}

func (s *Store) ListEmployees(ctx context.Context, accountID string) ([]domain.Employee, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, name, username, password_hash, email, phone, created_at
		FROM employees
		WHERE account_id = $1
		ORDER BY name
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	employees := make([]domain.Employee, 0, 16)
	for rows.Next() {
		var e domain.Employee
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Name, &e.Username, &e.PasswordHash, &e.Email, &e.Phone, &e.CreatedAt); err != nil {
			return nil, err
		}
		employees = append(employees, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return employees, nil
}

func (s *Store) UpdateEmployee(ctx context.Context, employee domain.Employee) (*domain.Employee, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE employees
		SET name = $3, email = $4, phone = $5
		WHERE id = $1 AND account_id = $2
	`, employee.ID, employee.AccountID, employee.Name, employee.Email, employee.Phone)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetEmployeeByID(ctx, employee.ID)
}

func (s *Store) UpdateEmployeePassword(ctx context.Context, id string, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE employees SET password_hash = $2 WHERE id = $1
	`, id, passwordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteEmployee(ctx context.Context, accountID string, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM employees WHERE id = $1 AND account_id = $2
	`, id, accountID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.AccountID == "" || product.Name == "" {
		return nil, store.ErrValidation
	}
	if product.SalePriceCents < 0 || product.PurchaseCostCents < 0 || product.Stock < 0 {
		return nil, store.ErrValidation
	}

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, account_id, name, description, category, purchase_cost_cents, sale_price_cents, stock, image_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, product.ID, product.AccountID, product.Name, product.Description, product.Category, product.PurchaseCostCents, product.SalePriceCents, product.Stock, product.ImageRef, product.CreatedAt)
	if err != nil {
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, accountID string, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, description, category, purchase_cost_cents, sale_price_cents, stock, image_ref, created_at
		FROM products
		WHERE id = $1 AND account_id = $2
	`, id, accountID).Scan(&p.ID, &p.AccountID, &p.Name, &p.Description, &p.Category, &p.PurchaseCostCents, &p.SalePriceCents, &p.Stock, &p.ImageRef, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, accountID string) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT id, account_id, name, description, category, purchase_cost_cents, sale_price_cents, stock, image_ref, created_at
		FROM products
		WHERE account_id = $1
		ORDER BY name
	`, accountID)
}

func (s *Store) SearchProducts(ctx context.Context, accountID string, query string) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT id, account_id, name, description, category, purchase_cost_cents, sale_price_cents, stock, image_ref, created_at
		FROM products
		WHERE account_id = $1 AND name ILIKE '%' || $2 || '%' ESCAPE '\'
		ORDER BY name
	`, accountID, escapeLikePattern(query))
}

// escapeLikePattern neutralizes LIKE metacharacters so a search for "100%"
// matches the literal string instead of acting as a wildcard.
func escapeLikePattern(query string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(query)
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Name, &p.Description, &p.Category, &p.PurchaseCostCents, &p.SalePriceCents, &p.Stock, &p.ImageRef, &p.CreatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SalePriceCents < 0 || product.PurchaseCostCents < 0 {
		return nil, store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $3, description = $4, category = $5, purchase_cost_cents = $6, sale_price_cents = $7, image_ref = $8
		WHERE id = $1 AND account_id = $2
	`, product.ID, product.AccountID, product.Name, product.Description, product.Category, product.PurchaseCostCents, product.SalePriceCents, product.ImageRef)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetProduct(ctx, product.AccountID, product.ID)
}

func (s *Store) DeleteProduct(ctx context.Context, accountID string, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM products WHERE id = $1 AND account_id = $2
	`, id, accountID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateTransaction(ctx context.Context, kind string, accountID string, employeeID string, date time.Time, lines []domain.LineInput) (*domain.Transaction, error) {
	if kind != domain.KindSale && kind != domain.KindPurchase {
		return nil, store.ErrValidation
	}
	if len(lines) == 0 {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	tx := &domain.Transaction{
		ID:         xid.New("tx"),
		Kind:       kind,
		AccountID:  accountID,
		EmployeeID: employeeID,
		Date:       date,
		CreatedAt:  time.Now().UTC(),
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (id, kind, account_id, employee_id, tx_date, total_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,0,$6)
	`, tx.ID, tx.Kind, tx.AccountID, tx.EmployeeID, tx.Date, tx.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, input := range lines {
		if input.Qty < 1 {
			return nil, store.ErrValidation
		}

		var name string
		var purchaseCost, salePrice int64
		var stock int
		err := pgTx.QueryRowContext(ctx, `
			SELECT name, purchase_cost_cents, sale_price_cents, stock
			FROM products
			WHERE id = $1 AND account_id = $2
			FOR UPDATE
		`, input.ProductID, accountID).Scan(&name, &purchaseCost, &salePrice, &stock)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, input.ProductID)
			}
			return nil, err
		}

		var unitPrice int64
		if kind == domain.KindSale {
			unitPrice = salePrice
			if input.Qty > stock {
				return nil, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, name)
			}
			_, err = pgTx.ExecContext(ctx, `
				UPDATE products SET stock = stock - $1 WHERE id = $2
			`, input.Qty, input.ProductID)
		} else {
			unitPrice = purchaseCost
			_, err = pgTx.ExecContext(ctx, `
				UPDATE products SET stock = stock + $1 WHERE id = $2
			`, input.Qty, input.ProductID)
		}
		if err != nil {
			return nil, err
		}

		line := domain.TransactionLine{
			ID:             xid.New("line"),
			TransactionID:  tx.ID,
			ProductID:      input.ProductID,
			Qty:            input.Qty,
			UnitPriceCents: unitPrice,
			SubtotalCents:  int64(input.Qty) * unitPrice,
		}
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO transaction_lines (id, transaction_id, product_id, qty, unit_price_cents, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, line.ID, line.TransactionID, line.ProductID, line.Qty, line.UnitPriceCents, line.SubtotalCents)
		if err != nil {
			return nil, err
		}

		tx.Lines = append(tx.Lines, line)
		tx.TotalCents += line.SubtotalCents
	}

	if err := resumTotal(ctx, pgTx, tx.ID); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, accountID string, id string) (*domain.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, `
		SELECT id, kind, account_id, employee_id, tx_date, total_cents, created_at
		FROM transactions
		WHERE id = $1 AND account_id = $2
	`, id, accountID))
	if err != nil {
		return nil, err
	}
	if err := s.attachLines(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Store) GetTransactionByLine(ctx context.Context, accountID string, lineID string) (*domain.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, `
		SELECT t.id, t.kind, t.account_id, t.employee_id, t.tx_date, t.total_cents, t.created_at
		FROM transactions t
		JOIN transaction_lines l ON l.transaction_id = t.id
		WHERE l.id = $1 AND t.account_id = $2
	`, lineID, accountID))
	if err != nil {
		return nil, err
	}
	if err := s.attachLines(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, kind string, accountID string) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, account_id, employee_id, tx_date, total_cents, created_at
		FROM transactions
		WHERE kind = $1 AND account_id = $2
		ORDER BY tx_date DESC, created_at DESC
	`, kind, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]domain.Transaction, 0, 64)
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.Kind, &t.AccountID, &t.EmployeeID, &t.Date, &t.TotalCents, &t.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return transactions, nil
}

func (s *Store) EditLine(ctx context.Context, accountID string, lineID string, newQty int) (*domain.Transaction, error) {
	if newQty < 0 {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var txID, kind, productID string
	var oldQty int
	var unitPrice int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT t.id, t.kind, l.product_id, l.qty, l.unit_price_cents
		FROM transaction_lines l
		JOIN transactions t ON t.id = l.transaction_id
		WHERE l.id = $1 AND t.account_id = $2
		FOR UPDATE OF l, t
	`, lineID, accountID).Scan(&txID, &kind, &productID, &oldQty, &unitPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var name string
	var stock int
	err = pgTx.QueryRowContext(ctx, `
		SELECT name, stock FROM products
		WHERE id = $1 AND account_id = $2
		FOR UPDATE
	`, productID, accountID).Scan(&name, &stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	delta := oldQty - newQty
	newStock := stock
	if kind == domain.KindSale {
		newStock += delta
	} else {
		newStock -= delta
	}
	if newStock < 0 {
		return nil, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, name)
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE products SET stock = $1 WHERE id = $2
	`, newStock, productID)
	if err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE transaction_lines
		SET qty = $2, subtotal_cents = $2::bigint * unit_price_cents
		WHERE id = $1
	`, lineID, newQty)
	if err != nil {
		return nil, err
	}
	if err := resumTotal(ctx, pgTx, txID); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return s.GetTransaction(ctx, accountID, txID)
}

func (s *Store) DeleteLine(ctx context.Context, accountID string, lineID string) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var txID, kind, productID string
	var qty int
	err = pgTx.QueryRowContext(ctx, `
		SELECT t.id, t.kind, l.product_id, l.qty
		FROM transaction_lines l
		JOIN transactions t ON t.id = l.transaction_id
		WHERE l.id = $1 AND t.account_id = $2
		FOR UPDATE OF l, t
	`, lineID, accountID).Scan(&txID, &kind, &productID, &qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if err := s.reverseLineStock(ctx, pgTx, accountID, kind, productID, qty); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `DELETE FROM transaction_lines WHERE id = $1`, lineID)
	if err != nil {
		return nil, err
	}
	if err := resumTotal(ctx, pgTx, txID); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return s.GetTransaction(ctx, accountID, txID)
}

func (s *Store) DeleteTransaction(ctx context.Context, accountID string, id string) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var kind string
	err = pgTx.QueryRowContext(ctx, `
		SELECT kind FROM transactions
		WHERE id = $1 AND account_id = $2
		FOR UPDATE
	`, id, accountID).Scan(&kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	rows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, qty FROM transaction_lines
		WHERE transaction_id = $1
	`, id)
	if err != nil {
		return err
	}
	type lineState struct {
		productID string
		qty       int
	}
	reversals := make([]lineState, 0, 8)
	for rows.Next() {
		var l lineState
		if err := rows.Scan(&l.productID, &l.qty); err != nil {
			_ = rows.Close()
			return err
		}
		reversals = append(reversals, l)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, l := range reversals {
		if err := s.reverseLineStock(ctx, pgTx, accountID, kind, l.productID, l.qty); err != nil {
			return err
		}
	}

	// Lines cascade with the header row.
	_, err = pgTx.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) SumTransactionTotals(ctx context.Context, kind string, accountID string, from time.Time, to time.Time) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_cents), 0)
		FROM transactions
		WHERE kind = $1 AND account_id = $2 AND tx_date >= $3 AND tx_date < $4
	`, kind, accountID, from, to).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum, nil
}

// reverseLineStock undoes a line's stock effect inside an open transaction.
// A product removed from the catalog since the line was posted is skipped.
func (s *Store) reverseLineStock(ctx context.Context, pgTx *sql.Tx, accountID string, kind string, productID string, qty int) error {
	var name string
	var stock int
	err := pgTx.QueryRowContext(ctx, `
		SELECT name, stock FROM products
		WHERE id = $1 AND account_id = $2
		FOR UPDATE
	`, productID, accountID).Scan(&name, &stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	newStock := stock
	if kind == domain.KindSale {
		newStock += qty
	} else {
		newStock -= qty
	}
	if newStock < 0 {
		return fmt.Errorf("%w: product %s", store.ErrInsufficientStock, name)
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE products SET stock = $1 WHERE id = $2
	`, newStock, productID)
	return err
}

func (s *Store) attachLines(ctx context.Context, tx *domain.Transaction) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, product_id, qty, unit_price_cents, subtotal_cents
		FROM transaction_lines
		WHERE transaction_id = $1
		ORDER BY id
	`, tx.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.TransactionLine
		if err := rows.Scan(&l.ID, &l.TransactionID, &l.ProductID, &l.Qty, &l.UnitPriceCents, &l.SubtotalCents); err != nil {
			return err
		}
		tx.Lines = append(tx.Lines, l)
	}
	return rows.Err()
}

func (s *Store) usernameTaken(ctx context.Context, username string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE username = $1)
			OR EXISTS (SELECT 1 FROM employees WHERE username = $1)
	`, username).Scan(&taken)
	if err != nil {
		return false, err
	}
	return taken, nil
}

func scanTransaction(row *sql.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.Kind, &t.AccountID, &t.EmployeeID, &t.Date, &t.TotalCents, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// resumTotal recomputes a header total from its surviving lines so the
// total always equals the sum of line subtotals.
func resumTotal(ctx context.Context, pgTx *sql.Tx, txID string) error {
	_, err := pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET total_cents = COALESCE((
			SELECT SUM(subtotal_cents) FROM transaction_lines WHERE transaction_id = $1
		), 0)
		WHERE id = $1
	`, txID)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
