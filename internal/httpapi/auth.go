package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"notisq/backend/internal/domain"
	"notisq/backend/internal/store"
)

// AuthManager issues and validates bearer tokens for owners and employees.
// Both kinds of caller share one login endpoint: the username is looked up
// in accounts first, then employees.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	repo     store.Repository
}

type posClaims struct {
	jwtlib.RegisteredClaims
	Role      string `json:"role"`
	AccountID string `json:"account_id"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, repo store.Repository) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		repo:     repo,
	}
}

func (a *AuthManager) RegisterOwner(ctx context.Context, req domain.RegisterRequest) (*domain.Account, error) {
	req.StoreName = strings.TrimSpace(req.StoreName)
	req.OwnerName = strings.TrimSpace(req.OwnerName)
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))

	if req.StoreName == "" || req.Username == "" {
		return nil, fmt.Errorf("%w: store_name and username are required", store.ErrValidation)
	}
	if len(req.Username) < 4 || strings.ContainsAny(req.Username, " \t\r\n") {
		return nil, fmt.Errorf("%w: username must be at least 4 characters without spaces", store.ErrValidation)
	}
	if len(req.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", store.ErrValidation)
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	return a.repo.CreateAccount(ctx, domain.Account{
		StoreName:    req.StoreName,
		OwnerName:    req.OwnerName,
		Username:     req.Username,
		PasswordHash: hash,
		Email:        strings.TrimSpace(req.Email),
		Phone:        strings.TrimSpace(req.Phone),
	})
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || req.Password == "" {
		return domain.LoginResponse{}, fmt.Errorf("%w: invalid credentials", store.ErrUnauthenticated)
	}

	principal, hash, err := a.lookupCredentials(ctx, username)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	if !verifyPassword(hash, req.Password) {
		return domain.LoginResponse{}, fmt.Errorf("%w: invalid credentials", store.ErrUnauthenticated)
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(principal, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        principal.Role,
		AccountID:   principal.AccountID,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) lookupCredentials(ctx context.Context, username string) (domain.Principal, string, error) {
	account, err := a.repo.GetAccountByUsername(ctx, username)
	if err == nil {
		return domain.Principal{ID: account.ID, Role: domain.RoleOwner, AccountID: account.ID}, account.PasswordHash, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.Principal{}, "", err
	}

	employee, err := a.repo.GetEmployeeByUsername(ctx, username)
	if err == nil {
		return domain.Principal{ID: employee.ID, Role: domain.RoleEmployee, AccountID: employee.AccountID}, employee.PasswordHash, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.Principal{}, "", err
	}
	return domain.Principal{}, "", fmt.Errorf("%w: invalid credentials", store.ErrUnauthenticated)
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Principal, error) {
	claims := &posClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Principal{}, fmt.Errorf("%w: invalid or expired token", store.ErrUnauthenticated)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Principal{}, fmt.Errorf("%w: invalid token subject", store.ErrUnauthenticated)
	}
	if claims.Role != domain.RoleOwner && claims.Role != domain.RoleEmployee {
		return domain.Principal{}, fmt.Errorf("%w: invalid token role", store.ErrUnauthenticated)
	}
	if claims.AccountID == "" {
		return domain.Principal{}, fmt.Errorf("%w: invalid token scope", store.ErrUnauthenticated)
	}

	return domain.Principal{ID: sub, Role: claims.Role, AccountID: claims.AccountID}, nil
}

func (a *AuthManager) sign(principal domain.Principal, expiresAt time.Time) (string, error) {
	claims := posClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   principal.ID,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "notisq",
		},
		Role:      principal.Role,
		AccountID: principal.AccountID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
