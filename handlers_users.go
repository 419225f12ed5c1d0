package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/example/tokenkeeper/internal/lifecycle"
	"github.com/example/tokenkeeper/internal/store"
)

type userCtxKey struct{}

func currentUser(ctx context.Context) *store.User {
	u, _ := ctx.Value(userCtxKey{}).(*store.User)
	return u
}

// RequireUser authenticates the access token and loads its principal. Access
// tokens are not revocation checked, so the active flag is re-read on every
// request.
func (a *App) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := a.cookies.access(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing token")
			return
		}
		subject, err := a.engine.AuthenticateAccess(raw)
		if err != nil {
			writeTokenError(w, err, http.StatusUnauthorized)
			return
		}
		user, err := a.users.GetUserByID(r.Context(), subject)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			a.storeFailure(w, r, "load principal", err)
			return
		}
		if user == nil || !user.Active {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "User not found or inactive")
			return
		}
		ctx := context.WithValue(r.Context(), userCtxKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())
	writeSuccess(w, http.StatusOK, userResponse{
		ID:          u.ID,
		Email:       u.Email,
		IsActive:    u.Active,
		IsSuperuser: u.Superuser,
		CreatedAt:   u.CreatedAt,
	})
}

// HandleChangePassword changes the caller's own password and ends every session.
func (a *App) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())
	var in passwordChangeRequest
	if err := decodeBody(r, &in, false); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if !validPassword(in.NewPassword) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Password must be 8 to 128 characters")
		return
	}
	if !strings.EqualFold(strings.TrimSpace(in.Email), u.Email) {
		a.logger(r).Warn("change password email mismatch", zap.String("user_id", u.ID))
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Email is not your own")
		return
	}
	if !a.verifier.Verify(in.CurrentPassword, u.PasswordHash) {
		a.logger(r).Warn("change password wrong current password", zap.String("user_id", u.ID))
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Current password is wrong")
		return
	}

	digest, err := a.verifier.Hash(in.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process password")
		return
	}
	ok, err := a.users.UpdatePassword(r.Context(), u.ID, digest)
	if err != nil {
		a.storeFailure(w, r, "change password", err)
		return
	}
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update password")
		return
	}

	if _, err := a.engine.RevokeAll(r.Context(), u.ID, lifecycle.ReasonPasswordChange); err != nil {
		writeTokenError(w, err, http.StatusBadRequest)
		return
	}
	a.cookies.clear(w)
	a.logger(r).Info("password changed", zap.String("user_id", u.ID))
	writeSuccess(w, http.StatusOK, detailResponse{Detail: "ok"})
}

// HandleDeleteMe revokes every session of the caller and then deletes the
// account. If revocation fails the account is kept.
func (a *App) HandleDeleteMe(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())
	if _, err := a.engine.RevokeAll(r.Context(), u.ID, lifecycle.ReasonUserDelete); err != nil {
		writeTokenError(w, err, http.StatusBadRequest)
		return
	}
	deleted, err := a.users.DeleteUserByEmail(r.Context(), u.Email)
	if err != nil {
		a.storeFailure(w, r, "delete user", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "User not found")
		return
	}
	a.cookies.clear(w)
	a.logger(r).Info("user deleted", zap.String("user_id", u.ID))
	writeSuccess(w, http.StatusOK, detailResponse{Detail: "ok"})
}

func (a *App) HandleLogoutAll(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())
	n, err := a.engine.RevokeAll(r.Context(), u.ID, lifecycle.ReasonLogoutAll)
	if err != nil {
		writeTokenError(w, err, http.StatusBadRequest)
		return
	}
	a.cookies.clear(w)
	writeSuccess(w, http.StatusOK, revokeAllResponse{Detail: "ok", Revoked: n})
}
