package app

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func doJSON(t *testing.T, server *HTTPServer, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &payload)
	}
	return rr, payload
}

func TestSignUpSignInAndSessionContract(t *testing.T) {
	env := newTestEnv(t)

	rr, payload := doJSON(t, env.server, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":    "  Ana@Acme.com.br ",
		"password": "segredo-forte",
		"name":     "Ana",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["accessToken"] == "" || payload["refreshToken"] == "" || payload["email"] != "ana@acme.com.br" {
		t.Fatalf("unexpected signup payload %+v", payload)
	}

	rr, payload = doJSON(t, env.server, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":    "ana@acme.com.br",
		"password": "outra-senha-1",
		"name":     "Outra Ana",
	})
	if rr.Code != http.StatusConflict || payload["code"] != "EMAIL_EXISTS" {
		t.Fatalf("expected 409 EMAIL_EXISTS, got %d %+v", rr.Code, payload)
	}

	rr, payload = doJSON(t, env.server, http.MethodPost, "/api/auth/signin", "", map[string]string{
		"email":    "ana@acme.com.br",
		"password": "errada-demais",
	})
	if rr.Code != http.StatusUnauthorized || payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected 401 INVALID_CREDENTIALS, got %d %+v", rr.Code, payload)
	}

	rr, payload = doJSON(t, env.server, http.MethodPost, "/api/auth/signin", "", map[string]string{
		"email":    "ana@acme.com.br",
		"password": "segredo-forte",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := payload["accessToken"].(string)

	rr, payload = doJSON(t, env.server, http.MethodGet, "/api/session", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if payload["authenticated"] != true || payload["userName"] != "Ana" || payload["superAdmin"] != false {
		t.Fatalf("unexpected session payload %+v", payload)
	}
}

func TestSignInRejectsInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	rr, payload := doJSON(t, env.server, http.MethodPost, "/api/auth/signin", "", `{"email":`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "INVALID_BODY" || payload["error"] != "invalid JSON body" {
		t.Fatalf("unexpected error envelope %+v", payload)
	}
}

func TestSignInMapsMissingFieldsToInvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	rr, payload := doJSON(t, env.server, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "ana@acme.com.br"})

	if rr.Code != http.StatusUnauthorized || payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected 401 INVALID_CREDENTIALS, got %d %+v", rr.Code, payload)
	}
}

func TestSessionWithoutTokenIsAnonymous(t *testing.T) {
	env := newTestEnv(t)

	rr, payload := doJSON(t, env.server, http.MethodGet, "/api/session", "", nil)
	if rr.Code != http.StatusOK || payload["authenticated"] != false {
		t.Fatalf("expected anonymous session, got %d %+v", rr.Code, payload)
	}

	rr, payload = doJSON(t, env.server, http.MethodGet, "/api/session", "not-a-jwt", nil)
	if rr.Code != http.StatusOK || payload["authenticated"] != false {
		t.Fatalf("expected anonymous session for bad token, got %d %+v", rr.Code, payload)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/workspaces", "/api/plans", "/api/admin/users"} {
		rr, payload := doJSON(t, env.server, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
			t.Fatalf("%s: expected 401 UNAUTHORIZED, got %d %+v", path, rr.Code, payload)
		}
	}
}

func TestRefreshAndLogout(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, env.store.addUser("usr_ana", "Ana", "ana@acme.com.br"))

	rr, payload := doJSON(t, env.server, http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": session.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	next, _ := payload["accessToken"].(string)
	nextRefresh, _ := payload["refreshToken"].(string)

	rr, _ = doJSON(t, env.server, http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": session.RefreshToken})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected rotated refresh token to be rejected, got %d", rr.Code)
	}

	rr, _ = doJSON(t, env.server, http.MethodPost, "/api/session/logout", next, map[string]string{"refreshToken": nextRefresh})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected logout 200, got %d", rr.Code)
	}

	rr, _ = doJSON(t, env.server, http.MethodGet, "/api/workspaces", next, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked access token to fail, got %d", rr.Code)
	}
}

func TestPasswordResetWithoutMailerReturnsDevToken(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.SignUp(t.Context(), "ana@acme.com.br", "segredo-forte", "Ana"); err != nil {
		t.Fatalf("sign up: %v", err)
	}

	rr, payload := doJSON(t, env.server, http.MethodPost, "/api/auth/reset-password/request", "", map[string]string{"email": "ana@acme.com.br"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	token, _ := payload["devResetToken"].(string)
	if token == "" {
		t.Fatalf("expected devResetToken without SMTP, got %+v", payload)
	}

	rr, payload = doJSON(t, env.server, http.MethodPost, "/api/auth/reset-password/request", "", map[string]string{"email": "ghost@acme.com.br"})
	if rr.Code != http.StatusOK || payload["devResetToken"] != nil {
		t.Fatalf("expected uniform response for unknown email, got %d %+v", rr.Code, payload)
	}

	rr, _ = doJSON(t, env.server, http.MethodPost, "/api/auth/reset-password", "", map[string]string{"token": token, "newPassword": "nova-senha-123"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected reset 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, payload = doJSON(t, env.server, http.MethodPost, "/api/auth/reset-password", "", map[string]string{"token": token, "newPassword": "mais-uma-123"})
	if rr.Code != http.StatusBadRequest || payload["code"] != "RESET_FAILED" {
		t.Fatalf("expected used token to fail, got %d %+v", rr.Code, payload)
	}
}
