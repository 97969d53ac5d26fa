package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pashagolub/pgxmock/v3"
	"golang.org/x/crypto/bcrypt"
)

func authApp(svc *Service) *fiber.App {
	app := fiber.New()
	RegisterRoutes(app.Group("/auth"), svc)
	return app
}

func postAuth(t *testing.T, app *fiber.App, path string, payload any) *http.Response {
	t.Helper()
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	return resp
}

func TestAuthHandlersRegisterLogin(t *testing.T) {
	mock := newMock(t)
	svc := NewService("secret", mock)
	app := authApp(svc)

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs(pgxmock.AnyArg(), "a@b.c", "alice", pgxmock.AnyArg(), "Alice").
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	resp := postAuth(t, app, "/auth/register", RegisterRequest{
		Email:       "a@b.c",
		Username:    "alice",
		Password:    "hunter22",
		DisplayName: "Alice",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d", resp.StatusCode)
	}

	hash, _ := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.DefaultCost)
	mock.ExpectQuery(`SELECT id, email, username, password_hash, display_name, created_at`).
		WithArgs("a@b.c").
		WillReturnRows(pgxmock.NewRows([]string{"id", "email", "username", "password_hash", "display_name", "created_at"}).
			AddRow("user-1", "a@b.c", "alice", string(hash), "Alice", time.Now()))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	resp = postAuth(t, app, "/auth/login", LoginRequest{Email: "a@b.c", Password: "hunter22"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var tokens TokenResponse
	_ = json.NewDecoder(resp.Body).Decode(&tokens)
	if tokens.AccessToken == "" {
		t.Fatalf("login response missing access token")
	}

	// The verify endpoint resolves the bearer back to the user.
	req := httptest.NewRequest(http.MethodGet, "/auth/jwt/verify", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	verifyResp, err := app.Test(req)
	if err != nil || verifyResp.StatusCode != http.StatusOK {
		t.Fatalf("verify status: %v %d", err, verifyResp.StatusCode)
	}
}

func TestAuthHandlersBadRequests(t *testing.T) {
	app := authApp(NewService("secret", nil))

	if resp := postAuth(t, app, "/auth/login", map[string]string{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for empty login, got %d", resp.StatusCode)
	}
	if resp := postAuth(t, app, "/auth/refresh", map[string]string{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for empty refresh, got %d", resp.StatusCode)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/jwt/verify", nil)
	resp, _ := app.Test(req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", resp.StatusCode)
	}
}

func TestAuthHandlersRefresh(t *testing.T) {
	mock := newMock(t)
	svc := NewService("secret", mock)
	app := authApp(svc)

	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), "user-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	tokens, err := svc.GenerateTokens(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("generate tokens: %v", err)
	}

	mock.ExpectQuery(`SELECT user_id, expires_at`).
		WithArgs(tokens.RefreshToken).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "expires_at"}).
			AddRow("user-1", time.Now().Add(time.Hour)))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), "user-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	resp := postAuth(t, app, "/auth/refresh", RefreshRequest{RefreshToken: tokens.RefreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d", resp.StatusCode)
	}

	resp = postAuth(t, app, "/auth/refresh", RefreshRequest{RefreshToken: "garbage"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad refresh token, got %d", resp.StatusCode)
	}
}
