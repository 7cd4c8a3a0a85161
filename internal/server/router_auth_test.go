package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessionValidator struct {
	claims      auth.SessionClaims
	validateErr error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.validateErr
}

func runAuthorize(t *testing.T, validator SessionValidator) (*httptest.ResponseRecorder, *gin.Context, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/rooms/1/status", http.NoBody)
	request.Header.Set("Authorization", "Bearer some-token")
	request.RemoteAddr = "10.1.2.3:4567"
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{sessions: validator, logger: zap.New(core)}
	handler.authorizeRequest(ctx)
	return recorder, ctx, logs
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	recorder, _, logs := runAuthorize(t, stubSessionValidator{
		validateErr: fmt.Errorf("%w: %w", auth.ErrExpiredSessionToken, errors.New("token is expired")),
	})

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	recorder, _, logs := runAuthorize(t, stubSessionValidator{
		validateErr: fmt.Errorf("%w: signature mismatch", auth.ErrInvalidSessionToken),
	})

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestAuthorizeRequestIgnoresMissingTokenInLogs(t *testing.T) {
	recorder, _, logs := runAuthorize(t, stubSessionValidator{validateErr: auth.ErrMissingSessionToken})

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no log entries for anonymous requests, got %d", logs.Len())
	}
}

func TestAuthorizeRequestStoresIdentity(t *testing.T) {
	recorder, ctx, _ := runAuthorize(t, stubSessionValidator{claims: auth.SessionClaims{
		UserID:          "mod-1",
		UserDisplayName: "Mia",
		UserRoles:       []string{auth.RoleModerator},
	}})

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d", recorder.Code)
	}
	if ctx.GetString(userIDContextKey) != "mod-1" {
		t.Fatalf("user id not stored: %q", ctx.GetString(userIDContextKey))
	}
	identity := identityFrom(ctx)
	want := rooms.Identity{UserID: "mod-1", DisplayName: "Mia", IsModerator: true, IPAddress: "10.1.2.3"}
	if identity != want {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}
