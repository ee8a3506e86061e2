package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"cockpit/api/internal/store"
	"golang.org/x/crypto/bcrypt"
)

type reset struct {
	userID    string
	expiresAt time.Time
	used      bool
}

type memoryUserStore struct {
	users  map[string]store.User
	resets map[string]*reset
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{users: map[string]store.User{}, resets: map[string]*reset{}}
}

func (m *memoryUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memoryUserStore) CreateUser(_ context.Context, user store.User) error {
	m.users[user.ID] = user
	return nil
}

func (m *memoryUserStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}

func (m *memoryUserStore) CreatePasswordReset(_ context.Context, userID, tokenHash string, expiresAt time.Time) error {
	m.resets[tokenHash] = &reset{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memoryUserStore) ConsumePasswordReset(_ context.Context, tokenHash string) (string, error) {
	r, ok := m.resets[tokenHash]
	if !ok || r.used || time.Now().After(r.expiresAt) {
		return "", sql.ErrNoRows
	}
	r.used = true
	return r.userID, nil
}

func newTestService() (*Service, *memoryUserStore) {
	users := newMemoryUserStore()
	svc := NewService(users)
	svc.cost = bcrypt.MinCost
	return svc, users
}

func TestSignUpValidatesInput(t *testing.T) {
	svc, _ := newTestService()
	cases := []SignUpRequest{
		{Email: "", Password: "password123", Name: "Ana"},
		{Email: "ana@acme.com.br", Password: "", Name: "Ana"},
		{Email: "ana@acme.com.br", Password: "password123", Name: " "},
		{Email: "not-an-email", Password: "password123", Name: "Ana"},
		{Email: "ana@acme.com.br", Password: "short", Name: "Ana"},
	}
	for _, req := range cases {
		if _, err := svc.SignUp(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("SignUp(%+v) error = %v, want ErrInvalidInput", req, err)
		}
	}
}

func TestSignUpNormalizesEmailAndRejectsDuplicates(t *testing.T) {
	svc, users := newTestService()
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{Email: "  Ana@Acme.COM.br ", Password: "password123", Name: "Ana"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if user.Email != "ana@acme.com.br" {
		t.Fatalf("email = %q, want lower-cased", user.Email)
	}
	if users.users[user.ID].PasswordHash == "password123" {
		t.Fatal("password stored in clear text")
	}

	_, err = svc.SignUp(ctx, SignUpRequest{Email: "ana@acme.com.br", Password: "password456", Name: "Other"})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("duplicate SignUp() error = %v, want ErrEmailTaken", err)
	}
}

func TestSignIn(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	created, err := svc.SignUp(ctx, SignUpRequest{Email: "ana@acme.com.br", Password: "password123", Name: "Ana"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	user, err := svc.SignIn(ctx, "ANA@acme.com.br", "password123")
	if err != nil || user.ID != created.ID {
		t.Fatalf("SignIn() = %+v, %v", user, err)
	}
	if _, err := svc.SignIn(ctx, "ana@acme.com.br", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("SignIn(wrong password) error = %v", err)
	}
	if _, err := svc.SignIn(ctx, "nobody@acme.com.br", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("SignIn(unknown) error = %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	created, err := svc.SignUp(ctx, SignUpRequest{Email: "ana@acme.com.br", Password: "password123", Name: "Ana"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	token, user, err := svc.RequestPasswordReset(ctx, "ana@acme.com.br")
	if err != nil || token == "" || user.ID != created.ID {
		t.Fatalf("RequestPasswordReset() = %q, %+v, %v", token, user, err)
	}

	userID, err := svc.ResetPassword(ctx, token, "new-password")
	if err != nil || userID != created.ID {
		t.Fatalf("ResetPassword() = %q, %v", userID, err)
	}
	if _, err := svc.SignIn(ctx, "ana@acme.com.br", "new-password"); err != nil {
		t.Fatalf("SignIn(new password) error = %v", err)
	}
	if _, err := svc.ResetPassword(ctx, token, "another-password"); !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("reused token error = %v, want ErrInvalidResetToken", err)
	}
}

func TestRequestPasswordResetUnknownEmail(t *testing.T) {
	svc, _ := newTestService()
	token, _, err := svc.RequestPasswordReset(context.Background(), "ghost@acme.com.br")
	if err != nil || token != "" {
		t.Fatalf("RequestPasswordReset(unknown) = %q, %v", token, err)
	}
}

func TestResetPasswordExpiredToken(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "ana@acme.com.br", Password: "password123", Name: "Ana"}); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err := svc.RequestPasswordReset(ctx, "ana@acme.com.br")
	if err != nil {
		t.Fatalf("RequestPasswordReset() error = %v", err)
	}
	if _, err := svc.ResetPassword(ctx, token, "new-password"); !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("ResetPassword(expired) error = %v", err)
	}
}
