package main

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/tokenkeeper/internal/lifecycle"
	"github.com/example/tokenkeeper/internal/store"
)

// decodeBody decodes a JSON body. An empty body is accepted when optional is
// set and leaves dst untouched.
func decodeBody(r *http.Request, dst interface{}, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func normalizeEmail(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", false
	}
	return s, true
}

func validPassword(p string) bool {
	return len(p) >= minPasswordLength && len(p) <= maxPasswordLength
}

// clientIP returns the socket peer. When the peer is a trusted proxy it walks
// X-Forwarded-For from the right and returns the first untrusted hop.
func (a *App) clientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !a.trustedProxy(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !a.trustedProxy(hop) {
			return hop
		}
	}
	return peer
}

func (a *App) trustedProxy(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range a.proxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (a *App) requestMeta(r *http.Request) lifecycle.Meta {
	return lifecycle.Meta{IP: a.clientIP(r), UserAgent: r.UserAgent()}
}

func seconds(d time.Duration) int64 { return int64(d / time.Second) }

func (a *App) writeAuthOK(w http.ResponseWriter, status int, p *lifecycle.Pair) {
	a.cookies.set(w, p)
	writeSuccess(w, status, authResponse{
		Detail:           "ok",
		AccessExpiresIn:  seconds(p.AccessTTL),
		RefreshExpiresIn: seconds(p.RefreshTTL),
	})
}

func (a *App) storeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	a.logger(r).Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage unavailable")
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := decodeBody(r, &c, false); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	email, ok := normalizeEmail(c.Email)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "A valid email is required")
		return
	}
	if !validPassword(c.Password) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Password must be 8 to 128 characters")
		return
	}

	hashed, err := a.verifier.Hash(c.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process password")
		return
	}
	user, err := a.users.CreateUser(r.Context(), email, hashed)
	if errors.Is(err, store.ErrConflict) {
		a.logger(r).Warn("register conflict", a.redact.Fields("email", email)...)
		writeError(w, http.StatusConflict, "USER_EXISTS", "Email already registered")
		return
	}
	if err != nil {
		a.storeFailure(w, r, "register", err)
		return
	}

	pair, err := a.engine.IssuePair(r.Context(), user.ID, user.Email, a.requestMeta(r))
	if err != nil {
		writeTokenError(w, err, http.StatusBadRequest)
		return
	}
	a.logger(r).Info("register ok", zap.String("user_id", user.ID))
	a.writeAuthOK(w, http.StatusCreated, pair)
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := decodeBody(r, &c, false); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(c.Email))

	user, err := a.users.GetUserByEmail(r.Context(), email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		a.storeFailure(w, r, "login", err)
		return
	}
	var ok bool
	if user == nil {
		ok = a.verifier.Reject(c.Password)
	} else {
		ok = a.verifier.Verify(c.Password, user.PasswordHash) && user.Active
	}
	if !ok {
		a.logger(r).Warn("login invalid credentials", a.redact.Fields("email", email)...)
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials")
		return
	}

	if a.verifier.NeedsRehash(user.PasswordHash) {
		a.rehash(r, user, c.Password)
	}

	pair, err := a.engine.IssuePair(r.Context(), user.ID, user.Email, a.requestMeta(r))
	if err != nil {
		writeTokenError(w, err, http.StatusBadRequest)
		return
	}
	a.logger(r).Info("login ok", zap.String("user_id", user.ID))
	a.writeAuthOK(w, http.StatusOK, pair)
}

// rehash upgrades a legacy digest after a successful login. Failure keeps the
// old digest, which still verifies.
func (a *App) rehash(r *http.Request, user *store.User, plaintext string) {
	digest, err := a.verifier.Hash(plaintext)
	if err == nil {
		_, err = a.users.UpdatePassword(r.Context(), user.ID, digest)
	}
	if err != nil {
		a.logger(r).Warn("password rehash failed", zap.String("user_id", user.ID), zap.Error(err))
		return
	}
	a.logger(r).Info("password rehashed", zap.String("user_id", user.ID))
}

// refreshToken reads the refresh token from the JSON body, falling back to the
// refresh cookie.
func (a *App) refreshToken(r *http.Request) (string, error) {
	var in refreshRequest
	if err := decodeBody(r, &in, true); err != nil {
		return "", err
	}
	if in.RefreshToken != "" {
		return in.RefreshToken, nil
	}
	return a.cookies.refresh(r), nil
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	raw, err := a.refreshToken(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if raw == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Missing refresh token")
		return
	}

	pair, err := a.engine.Rotate(r.Context(), raw, a.requestMeta(r))
	if err != nil {
		writeTokenError(w, err, http.StatusBadRequest)
		return
	}
	a.writeAuthOK(w, http.StatusOK, pair)
}

// HandleLogout revokes the presented refresh token, if any, and clears the
// cookies. A token that is already unusable is not an error.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	raw, err := a.refreshToken(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if raw != "" && !a.revoke(w, raw, r) {
		return
	}
	a.cookies.clear(w)
	writeSuccess(w, http.StatusOK, detailResponse{Detail: "ok"})
}

// HandleRevokeToken revokes a refresh token handed over by a client or a
// resource server.
func (a *App) HandleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &in, false); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if in.Token == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Token is required")
		return
	}
	if !a.revoke(w, in.Token, r) {
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

// revoke runs RevokeOne and writes an error response when the caller has to
// stop. Tokens that fail verification are treated as already revoked.
func (a *App) revoke(w http.ResponseWriter, raw string, r *http.Request) bool {
	err := a.engine.RevokeOne(r.Context(), raw, lifecycle.ReasonLogout)
	switch lifecycle.KindOf(err) {
	case lifecycle.KindNone, lifecycle.KindMalformed, lifecycle.KindBadSignature, lifecycle.KindExpired:
		return true
	default:
		writeTokenError(w, err, http.StatusBadRequest)
		return false
	}
}

// HandleTokenValidate authenticates an access token for a resource server.
// GET /auth/validate?token=...
func (a *App) HandleTokenValidate(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw = a.cookies.access(r)
	}
	if raw == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Token is required")
		return
	}

	subject, err := a.engine.AuthenticateAccess(raw)
	if err != nil {
		writeTokenError(w, err, http.StatusUnauthorized)
		return
	}
	writeSuccess(w, http.StatusOK, validateResponse{Valid: true, Subject: subject})
}
