package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/orbitmiles/backend/internal/models"
)

type memOperators struct {
	byEmail map[string]*models.Operator
}

func newMemOperators() *memOperators {
	return &memOperators{byEmail: make(map[string]*models.Operator)}
}

func (m *memOperators) Create(_ context.Context, email, passwordHash, displayName string) (*models.Operator, error) {
	if _, exists := m.byEmail[email]; exists {
		return nil, &pgconn.PgError{Code: "23505"}
	}
	op := &models.Operator{
		ID:           uuid.New(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	m.byEmail[email] = op
	return op, nil
}

func (m *memOperators) GetByEmail(_ context.Context, email string) (*models.Operator, error) {
	return m.byEmail[email], nil
}

func TestRegisterLoginValidate(t *testing.T) {
	svc := NewService(newMemOperators(), "test-secret")
	ctx := context.Background()

	op, err := svc.Register(ctx, "ops@example.com", "hunter2hunter2", "Ops")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "ops@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id != op.ID {
		t.Errorf("token subject: got %s, want %s", id, op.ID)
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	svc := NewService(newMemOperators(), "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, "ops@example.com", "correct-password", "Ops"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(ctx, "ops@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: got %v, want ErrInvalidCredentials", err)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	svc := NewService(newMemOperators(), "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, "ops@example.com", "pw-one-long-enough", "Ops"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "ops@example.com", "pw-two-long-enough", "Ops Again"); !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("duplicate: got %v, want ErrDuplicateEmail", err)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	ops := newMemOperators()
	issuer := NewService(ops, "secret-a")
	verifier := NewService(ops, "secret-b")
	ctx := context.Background()

	if _, err := issuer.Register(ctx, "ops@example.com", "hunter2hunter2", "Ops"); err != nil {
		t.Fatal(err)
	}
	token, err := issuer.Login(ctx, "ops@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifier.ValidateToken(ctx, token); err == nil {
		t.Error("token signed with another secret must not validate")
	}
}
