package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"notisq/backend/internal/cache"
	"notisq/backend/internal/domain"
	"notisq/backend/internal/store"
)

type principalContextKey struct{}

func WithPrincipal(ctx context.Context, principal domain.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(domain.Principal)
	return principal, ok
}

type Service struct {
	repo       store.Repository
	summaries  cache.SummaryCache
	summaryTTL time.Duration
}

func New(repo store.Repository, summaries cache.SummaryCache, summaryTTL time.Duration) *Service {
	if summaries == nil {
		summaries = cache.NoopSummaryCache{}
	}
	if summaryTTL <= 0 {
		summaryTTL = 60 * time.Second
	}

	return &Service{
		repo:       repo,
		summaries:  summaries,
		summaryTTL: summaryTTL,
	}
}

// resolveScope maps the caller to the account whose data it may touch.
// Owners resolve to their own account, employees to their owner's. Every
// operation below goes through this before touching the repository.
func (s *Service) resolveScope(ctx context.Context) (domain.Principal, error) {
	principal, ok := PrincipalFromContext(ctx)
	if !ok || principal.ID == "" {
		return domain.Principal{}, store.ErrUnauthenticated
	}
	if principal.AccountID == "" {
		return domain.Principal{}, store.ErrUnauthenticated
	}
	if principal.Role != domain.RoleOwner && principal.Role != domain.RoleEmployee {
		return domain.Principal{}, store.ErrUnauthenticated
	}
	return principal, nil
}

func (s *Service) requireOwner(ctx context.Context) (domain.Principal, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return domain.Principal{}, err
	}
	if principal.Role != domain.RoleOwner {
		return domain.Principal{}, fmt.Errorf("%w: owner role required", store.ErrUnauthorized)
	}
	return principal, nil
}

func (s *Service) CreateTransaction(ctx context.Context, req domain.TransactionCreateRequest) (*domain.Transaction, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return nil, err
	}

	if req.Kind != domain.KindSale && req.Kind != domain.KindPurchase {
		return nil, fmt.Errorf("%w: kind must be sale or purchase", store.ErrValidation)
	}

	date, err := parseDocumentDate(req.Date)
	if err != nil {
		return nil, err
	}

	// Lines without a product or a positive quantity are dropped rather
	// than rejected. A request left with no usable line is an error.
	lines := normalizeLines(req.Lines)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no usable lines", store.ErrValidation)
	}

	employeeID := ""
	if principal.Role == domain.RoleEmployee {
		employeeID = principal.ID
	}

	tx, err := s.repo.CreateTransaction(ctx, req.Kind, principal.AccountID, employeeID, date, lines)
	if err != nil {
		return nil, err
	}

	s.invalidateSummary(ctx, principal.AccountID)
	return tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetTransaction(ctx, principal.AccountID, id)
}

func (s *Service) ListTransactions(ctx context.Context, kind string) ([]domain.Transaction, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return nil, err
	}
	if kind != domain.KindSale && kind != domain.KindPurchase {
		return nil, fmt.Errorf("%w: kind must be sale or purchase", store.ErrValidation)
	}
	return s.repo.ListTransactions(ctx, kind, principal.AccountID)
}

func (s *Service) EditLine(ctx context.Context, lineID string, req domain.LineEditRequest) (*domain.Transaction, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return nil, err
	}
	if req.Qty < 1 {
		return nil, fmt.Errorf("%w: qty must be at least 1", store.ErrValidation)
	}

	owning, err := s.repo.GetTransactionByLine(ctx, principal.AccountID, lineID)
	if err != nil {
		return nil, err
	}
	if err := authorizeMutation(principal, owning); err != nil {
		return nil, err
	}

	tx, err := s.repo.EditLine(ctx, principal.AccountID, lineID, req.Qty)
	if err != nil {
		return nil, err
	}

	s.invalidateSummary(ctx, principal.AccountID)
	return tx, nil
}

func (s *Service) DeleteLine(ctx context.Context, lineID string) (*domain.Transaction, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return nil, err
	}

	owning, err := s.repo.GetTransactionByLine(ctx, principal.AccountID, lineID)
	if err != nil {
		return nil, err
	}
	if err := authorizeMutation(principal, owning); err != nil {
		return nil, err
	}

	tx, err := s.repo.DeleteLine(ctx, principal.AccountID, lineID)
	if err != nil {
		return nil, err
	}

	s.invalidateSummary(ctx, principal.AccountID)
	return tx, nil
}

func (s *Service) DeleteTransaction(ctx context.Context, id string) error {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return err
	}

	owning, err := s.repo.GetTransaction(ctx, principal.AccountID, id)
	if err != nil {
		return err
	}
	if err := authorizeMutation(principal, owning); err != nil {
		return err
	}

	if err := s.repo.DeleteTransaction(ctx, principal.AccountID, id); err != nil {
		return err
	}

	s.invalidateSummary(ctx, principal.AccountID)
	return nil
}

// authorizeMutation lets the owner mutate any document in the account while
// an employee may only mutate documents it recorded itself.
func authorizeMutation(principal domain.Principal, tx *domain.Transaction) error {
	if principal.Role == domain.RoleOwner {
		return nil
	}
	if tx.EmployeeID != principal.ID {
		return fmt.Errorf("%w: transaction belongs to another user", store.ErrUnauthorized)
	}
	return nil
}

func normalizeLines(lines []domain.LineInput) []domain.LineInput {
	usable := make([]domain.LineInput, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line.ProductID) == "" || line.Qty < 1 {
			continue
		}
		line.ProductID = strings.TrimSpace(line.ProductID)
		usable = append(usable, line)
	}
	return usable
}

func parseDocumentDate(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	date, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
	}
	return date, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return nil, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", store.ErrValidation)
	}
	if req.SalePriceCents < 0 || req.PurchaseCostCents < 0 || req.InitialStock < 0 {
		return nil, store.ErrValidation
	}

	product := domain.Product{
		AccountID:         principal.AccountID,
		Name:              req.Name,
		Description:       strings.TrimSpace(req.Description),
		Category:          strings.TrimSpace(req.Category),
		PurchaseCostCents: req.PurchaseCostCents,
		SalePriceCents:    req.SalePriceCents,
		Stock:             req.InitialStock,
		ImageRef:          req.ImageRef,
	}
	return s.repo.CreateProduct(ctx, product)
}

func (s *Service) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetProduct(ctx, principal.AccountID, id)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListProducts(ctx, principal.AccountID)
}

func (s *Service) SearchProducts(ctx context.Context, query string) ([]domain.Product, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.SearchProducts(ctx, principal.AccountID, strings.TrimSpace(query))
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetProduct(ctx, principal.AccountID, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", store.ErrValidation)
		}
		existing.Name = name
	}
	if req.Description != nil {
		existing.Description = strings.TrimSpace(*req.Description)
	}
	if req.Category != nil {
		existing.Category = strings.TrimSpace(*req.Category)
	}
	if req.PurchaseCostCents != nil {
		if *req.PurchaseCostCents < 0 {
			return nil, store.ErrValidation
		}
		existing.PurchaseCostCents = *req.PurchaseCostCents
	}
	if req.SalePriceCents != nil {
		if *req.SalePriceCents < 0 {
			return nil, store.ErrValidation
		}
		existing.SalePriceCents = *req.SalePriceCents
	}
	if req.ImageRef != nil {
		existing.ImageRef = *req.ImageRef
	}

	return s.repo.UpdateProduct(ctx, *existing)
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	principal, err := s.requireOwner(ctx)
	if err != nil {
		return err
	}
	return s.repo.DeleteProduct(ctx, principal.AccountID, id)
}

func (s *Service) CreateEmployee(ctx context.Context, req domain.EmployeeCreateRequest) (*domain.Employee, error) {
	principal, err := s.requireOwner(ctx)
	if err != nil {
		return nil, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Username = strings.TrimSpace(req.Username)
	if req.Name == "" || req.Username == "" {
		return nil, fmt.Errorf("%w: name and username are required", store.ErrValidation)
	}
	if len(req.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", store.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	employee := domain.Employee{
		AccountID:    principal.AccountID,
		Name:         req.Name,
		Username:     req.Username,
		PasswordHash: string(hash),
		Email:        strings.TrimSpace(req.Email),
		Phone:        strings.TrimSpace(req.Phone),
	}
	return s.repo.CreateEmployee(ctx, employee)
}

func (s *Service) ListEmployees(ctx context.Context) ([]domain.Employee, error) {
	principal, err := s.requireOwner(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListEmployees(ctx, principal.AccountID)
}

func (s *Service) UpdateEmployee(ctx context.Context, id string, req domain.EmployeeUpdateRequest) (*domain.Employee, error) {
	principal, err := s.requireOwner(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetEmployeeByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.AccountID != principal.AccountID {
		return nil, store.ErrNotFound
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", store.ErrValidation)
		}
		existing.Name = name
	}
	if req.Email != nil {
		existing.Email = strings.TrimSpace(*req.Email)
	}
	if req.Phone != nil {
		existing.Phone = strings.TrimSpace(*req.Phone)
	}

	return s.repo.UpdateEmployee(ctx, *existing)
}

func (s *Service) DeleteEmployee(ctx context.Context, id string) error {
	principal, err := s.requireOwner(ctx)
	if err != nil {
		return err
	}
	return s.repo.DeleteEmployee(ctx, principal.AccountID, id)
}

// GetProfile returns the caller's own record.
func (s *Service) GetProfile(ctx context.Context) (*domain.Profile, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return nil, err
	}

	if principal.Role == domain.RoleOwner {
		account, err := s.repo.GetAccountByID(ctx, principal.ID)
		if err != nil {
			return nil, err
		}
		return &domain.Profile{Role: domain.RoleOwner, Account: account}, nil
	}

	employee, err := s.repo.GetEmployeeByID(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	return &domain.Profile{Role: domain.RoleEmployee, Employee: employee}, nil
}

// UpdateProfile edits the caller's own record. Owners may change store
// name, owner name, username and contact details; employees only their own
// name and contact details. Fields outside the caller's role are rejected.
func (s *Service) UpdateProfile(ctx context.Context, req domain.ProfileUpdateRequest) (*domain.Profile, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return nil, err
	}

	if principal.Role == domain.RoleOwner {
		if req.Name != nil {
			return nil, fmt.Errorf("%w: name applies to employee profiles", store.ErrValidation)
		}
		account, err := s.repo.GetAccountByID(ctx, principal.ID)
		if err != nil {
			return nil, err
		}

		if req.StoreName != nil {
			name := strings.TrimSpace(*req.StoreName)
			if name == "" {
				return nil, fmt.Errorf("%w: store_name is required", store.ErrValidation)
			}
			account.StoreName = name
		}
		if req.OwnerName != nil {
			account.OwnerName = strings.TrimSpace(*req.OwnerName)
		}
		if req.Username != nil {
			username := strings.ToLower(strings.TrimSpace(*req.Username))
			if len(username) < 4 || strings.ContainsAny(username, " \t\r\n") {
				return nil, fmt.Errorf("%w: username must be at least 4 characters without spaces", store.ErrValidation)
			}
			account.Username = username
		}
		if req.Email != nil {
			account.Email = strings.TrimSpace(*req.Email)
		}
		if req.Phone != nil {
			account.Phone = strings.TrimSpace(*req.Phone)
		}

		updated, err := s.repo.UpdateAccount(ctx, *account)
		if err != nil {
			return nil, err
		}
		return &domain.Profile{Role: domain.RoleOwner, Account: updated}, nil
	}

	if req.StoreName != nil || req.OwnerName != nil || req.Username != nil {
		return nil, fmt.Errorf("%w: field applies to owner profiles", store.ErrValidation)
	}
	employee, err := s.repo.GetEmployeeByID(ctx, principal.ID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", store.ErrValidation)
		}
		employee.Name = name
	}
	if req.Email != nil {
		employee.Email = strings.TrimSpace(*req.Email)
	}
	if req.Phone != nil {
		employee.Phone = strings.TrimSpace(*req.Phone)
	}

	updated, err := s.repo.UpdateEmployee(ctx, *employee)
	if err != nil {
		return nil, err
	}
	return &domain.Profile{Role: domain.RoleEmployee, Employee: updated}, nil
}

// ChangePassword verifies the caller's current password before storing a
// new hash. It works for owners and employees alike.
func (s *Service) ChangePassword(ctx context.Context, req domain.ChangePasswordRequest) error {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return err
	}
	if len(req.NewPassword) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", store.ErrValidation)
	}

	var currentHash string
	switch principal.Role {
	case domain.RoleOwner:
		account, err := s.repo.GetAccountByID(ctx, principal.ID)
		if err != nil {
			return err
		}
		currentHash = account.PasswordHash
	case domain.RoleEmployee:
		employee, err := s.repo.GetEmployeeByID(ctx, principal.ID)
		if err != nil {
			return err
		}
		currentHash = employee.PasswordHash
	}

	if bcrypt.CompareHashAndPassword([]byte(currentHash), []byte(req.CurrentPassword)) != nil {
		return fmt.Errorf("%w: current password does not match", store.ErrUnauthenticated)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	if principal.Role == domain.RoleOwner {
		return s.repo.UpdateAccountPassword(ctx, principal.ID, string(hash))
	}
	return s.repo.UpdateEmployeePassword(ctx, principal.ID, string(hash))
}

// DashboardSummary aggregates income, expense and profit for today and the
// current month, with percent change against yesterday and the previous
// month. Results are cached per account until the next mutation.
func (s *Service) DashboardSummary(ctx context.Context) (*domain.DashboardSummary, error) {
	principal, err := s.resolveScope(ctx)
	if err != nil {
		return nil, err
	}

	if cached, ok, err := s.summaries.Get(ctx, principal.AccountID); err != nil {
		log.Printf("[service] WARN: summary cache read account=%s: %v", principal.AccountID, err)
	} else if ok {
		return cached, nil
	}

	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)
	tomorrow := today.AddDate(0, 0, 1)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	prevMonthStart := monthStart.AddDate(0, -1, 0)

	type window struct {
		from, to time.Time
	}
	sums := make(map[string]int64, 8)
	for label, w := range map[string]window{
		"sales_today":     {today, tomorrow},
		"sales_yesterday": {yesterday, today},
		"sales_month":     {monthStart, tomorrow},
		"sales_prev":      {prevMonthStart, monthStart},
		"buys_today":      {today, tomorrow},
		"buys_yesterday":  {yesterday, today},
		"buys_month":      {monthStart, tomorrow},
		"buys_prev":       {prevMonthStart, monthStart},
	} {
		kind := domain.KindSale
		if strings.HasPrefix(label, "buys_") {
			kind = domain.KindPurchase
		}
		sum, err := s.repo.SumTransactionTotals(ctx, kind, principal.AccountID, w.from, w.to)
		if err != nil {
			return nil, err
		}
		sums[label] = sum
	}

	summary := &domain.DashboardSummary{
		AccountID:             principal.AccountID,
		DailySalesCents:       sums["sales_today"],
		MonthlySalesCents:     sums["sales_month"],
		DailyPurchasesCents:   sums["buys_today"],
		MonthlyPurchasesCents: sums["buys_month"],
		DailyProfitCents:      sums["sales_today"] - sums["buys_today"],
		MonthlyProfitCents:    sums["sales_month"] - sums["buys_month"],

		DailySalesChange:       formatChange(sums["sales_today"], sums["sales_yesterday"]),
		MonthlySalesChange:     formatChange(sums["sales_month"], sums["sales_prev"]),
		DailyPurchasesChange:   formatChange(sums["buys_today"], sums["buys_yesterday"]),
		MonthlyPurchasesChange: formatChange(sums["buys_month"], sums["buys_prev"]),
		DailyProfitChange: formatChange(
			sums["sales_today"]-sums["buys_today"],
			sums["sales_yesterday"]-sums["buys_yesterday"],
		),
		MonthlyProfitChange: formatChange(
			sums["sales_month"]-sums["buys_month"],
			sums["sales_prev"]-sums["buys_prev"],
		),

		GeneratedAt: now.Format(time.RFC3339),
	}

	if err := s.summaries.Set(ctx, principal.AccountID, summary, s.summaryTTL); err != nil {
		log.Printf("[service] WARN: summary cache write account=%s: %v", principal.AccountID, err)
	}
	return summary, nil
}

// formatChange renders percent change as a signed string like "+12.50%".
// A zero baseline collapses to "+0.00%" rather than dividing by zero.
func formatChange(current int64, previous int64) string {
	if previous == 0 {
		return "+0.00%"
	}
	change := (float64(current) - float64(previous)) / float64(previous) * 100
	return fmt.Sprintf("%+.2f%%", change)
}

func (s *Service) invalidateSummary(ctx context.Context, accountID string) {
	if err := s.summaries.Invalidate(ctx, accountID); err != nil {
		log.Printf("[service] WARN: summary cache invalidate account=%s: %v", accountID, err)
	}
}
