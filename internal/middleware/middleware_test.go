package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/orbitmiles/backend/internal/models"
	"github.com/orbitmiles/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubAPIKeyRepo struct {
	result *repository.APIKeyWithAccount
	err    error
}

func (s *stubAPIKeyRepo) FindByKeyHash(_ context.Context, _ string) (*repository.APIKeyWithAccount, error) {
	return s.result, s.err
}

type stubValidator struct {
	id  uuid.UUID
	err error
}

func (s *stubValidator) ValidateToken(_ context.Context, _ string) (uuid.UUID, error) {
	return s.id, s.err
}

// okHandler writes the authenticated account email for assertions.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if acc := AccountFromCtx(r.Context()); acc != nil {
		w.Write([]byte(acc.Email))
	}
	w.WriteHeader(http.StatusOK)
})

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAPIKeyAuth_ValidKey(t *testing.T) {
	account := models.Account{ID: uuid.New(), Email: "member@example.com"}
	repo := &stubAPIKeyRepo{
		result: &repository.APIKeyWithAccount{
			Key:     models.APIKey{ID: uuid.New(), AccountID: account.ID},
			Account: account,
		},
	}

	mw := APIKeyAuth(repo)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer valid-test-key")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != account.Email {
		t.Errorf("expected account email %q in body, got %q", account.Email, body)
	}
}

func TestAPIKeyAuth_MissingHeader(t *testing.T) {
	mw := APIKeyAuth(&stubAPIKeyRepo{})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAPIKeyAuth_UnknownKey(t *testing.T) {
	mw := APIKeyAuth(&stubAPIKeyRepo{err: errors.New("no rows in result set")})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-key")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestOperatorAuth(t *testing.T) {
	operatorID := uuid.New()
	var seen uuid.UUID
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OperatorFromCtx(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	mw := OperatorAuth(&stubValidator{id: operatorID})(handler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer some-jwt")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != operatorID {
		t.Errorf("operator in context: got %s, want %s", seen, operatorID)
	}

	bad := OperatorAuth(&stubValidator{err: errors.New("expired")})(handler)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer expired-jwt")
	rec = httptest.NewRecorder()
	bad.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("invalid token: expected 401, got %d", rec.Code)
	}
}

func TestSchedulerAuth(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mw := SchedulerAuth("topsecret")(handler)

	req := httptest.NewRequest(http.MethodPost, "/hooks/expire", nil)
	req.Header.Set(SchedulerSecretHeader, "topsecret")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("correct secret: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/hooks/expire", nil)
	req.Header.Set(SchedulerSecretHeader, "wrong")
	rec = httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: expected 401, got %d", rec.Code)
	}

	disabled := SchedulerAuth("")(handler)
	req = httptest.NewRequest(http.MethodPost, "/hooks/expire", nil)
	rec = httptest.NewRecorder()
	disabled.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("unset secret: expected 403, got %d", rec.Code)
	}
}
