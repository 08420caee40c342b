// Package auth authenticates presented API keys against the user store and
// authorizes requests against the tenant's plan. Keys are compared by hash
// only; the raw key never leaves the request scope.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/store"
)

// Error is an authentication failure with a stable code and HTTP status.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string { return e.Message }

// HTTPStatus maps the failure onto the response status.
func (e *Error) HTTPStatus() int { return e.Status }

// ErrorCode returns the stable machine-readable code.
func (e *Error) ErrorCode() string { return e.Code }

// Authentication failure sentinels.
var (
	ErrMissingKey = &Error{
		Code:    "missing_api_key",
		Message: "missing bearer token",
		Status:  401,
	}
	ErrInvalidKey = &Error{
		Code:    "invalid_api_key",
		Message: "invalid API key provided",
		Status:  401,
	}
	ErrUserDisabled = &Error{
		Code:    "account_disabled",
		Message: "account is disabled",
		Status:  403,
	}
)

// Authenticator resolves bearer tokens to users.
type Authenticator struct {
	users store.UserStore
	log   *slog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(users store.UserStore, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{
		users: users,
		log:   log.With(slog.String("component", "auth")),
	}
}

// Authenticate resolves an Authorization header value to an enabled user.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*store.User, error) {
	key, ok := bearerToken(authorization)
	if !ok {
		return nil, ErrMissingKey
	}

	u, err := a.users.GetByAPIKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup key: %w", err)
	}
	if !u.Enabled {
		a.log.Warn("disabled account attempted access", slog.String("user_id", u.ID))
		return nil, ErrUserDisabled
	}
	return u, nil
}

// bearerToken extracts the key from "Bearer <key>".
func bearerToken(authorization string) (string, bool) {
	const prefix = "Bearer "
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", false
	}
	key := strings.TrimSpace(authorization[len(prefix):])
	return key, key != ""
}

// Result is the outcome of one authorization check.
type Result struct {
	Authorized bool
	Reason     string
	ErrorCode  string
	HTTPStatus int
}

func allowed() Result { return Result{Authorized: true} }

// Authorizer enforces plan limits. Checks are pure functions of the user
// record; the balance itself is debited atomically in the store at the end of
// the request.
type Authorizer struct{}

// NewAuthorizer creates an Authorizer.
func NewAuthorizer() *Authorizer { return &Authorizer{} }

// AuthorizeModel checks that the plan permits the model on the endpoint.
func (z *Authorizer) AuthorizeModel(u *store.User, model, endpoint string) Result {
	if !u.AllowsModel(model) {
		return Result{
			Reason:     fmt.Sprintf("model %s is not available on your plan", model),
			ErrorCode:  "model_not_allowed",
			HTTPStatus: 403,
		}
	}
	return allowed()
}

// AuthorizeCredits checks that the balance covers the estimated cost.
func (z *Authorizer) AuthorizeCredits(u *store.User, amount int64, model string) Result {
	if u.Credits < amount {
		return Result{
			Reason:     "insufficient credits for this request",
			ErrorCode:  "insufficient_credits",
			HTTPStatus: 402,
		}
	}
	return allowed()
}

// AuthorizeAdmin checks the admin flag.
func (z *Authorizer) AuthorizeAdmin(u *store.User) Result {
	if !u.Admin {
		return Result{
			Reason:     "administrator access required",
			ErrorCode:  "admin_required",
			HTTPStatus: 403,
		}
	}
	return allowed()
}
