package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"distribuidora/backend/internal/domain"
	"distribuidora/backend/internal/service"
	"distribuidora/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func legacyAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := legacyAdminStore()

	manager := NewAuthManager(context.Background(), testSecret, time.Hour, users)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	stored, err := users.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 user, got %d", len(stored))
	}
	if !strings.HasPrefix(stored[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", stored[0].Password)
	}
	if users.updates == 0 {
		t.Fatalf("expected the upgraded hash to be written back")
	}
}

func TestLoginIsCaseInsensitiveOnUsername(t *testing.T) {
	manager := NewAuthManager(context.Background(), testSecret, time.Hour, legacyAdminStore())
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "  ADMIN ", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %s", resp.Role)
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	users := legacyAdminStore()
	account := users.users["admin"]
	account.Active = false
	users.users["admin"] = account

	manager := NewAuthManager(context.Background(), testSecret, time.Hour, users)
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if !errors.Is(err, ErrInactiveAccount) {
		t.Fatalf("expected ErrInactiveAccount, got %v", err)
	}
}

func TestCreateOperatorStoresPasswordHash(t *testing.T) {
	users := legacyAdminStore()

	manager := NewAuthManager(context.Background(), testSecret, time.Hour, users)
	operator, err := manager.CreateOperator(context.Background(), domain.OperatorCreateRequest{
		Username: "vendedor",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create operator failed: %v", err)
	}
	if operator.Username != "vendedor" || operator.Role != domain.RoleOperator {
		t.Fatalf("unexpected operator %+v", operator)
	}

	found, ok := users.users["vendedor"]
	if !ok {
		t.Fatalf("expected operator to be saved")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "vendedor", Password: "pass1234"}); err != nil {
		t.Fatalf("login with new operator failed: %v", err)
	}
}

func TestCreateOperatorValidation(t *testing.T) {
	manager := NewAuthManager(context.Background(), testSecret, time.Hour, legacyAdminStore())

	_, err := manager.CreateOperator(context.Background(), domain.OperatorCreateRequest{Username: "ab", Password: "pass1234"})
	if !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for short username, got %v", err)
	}
	_, err = manager.CreateOperator(context.Background(), domain.OperatorCreateRequest{Username: "admin", Password: "pass1234"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for taken username, got %v", err)
	}
}

func TestParseTokenRejectsForeignTokens(t *testing.T) {
	manager := NewAuthManager(context.Background(), testSecret, time.Hour, legacyAdminStore())
	other := NewAuthManager(context.Background(), "another-secret-another-secret-00", time.Hour, nil)

	foreign, err := other.sign("admin", domain.RoleAdmin, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := manager.ParseToken(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected token signed with another secret to be rejected, got %v", err)
	}

	expired, err := manager.sign("admin", domain.RoleAdmin, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := manager.ParseToken(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	wrongIssuer := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, operatorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			Issuer:    "someone-else",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: domain.RoleAdmin,
	})
	signed, err := wrongIssuer.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := manager.ParseToken(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected token from another issuer to be rejected, got %v", err)
	}
}
