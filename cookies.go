package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/example/tokenkeeper/internal/config"
	"github.com/example/tokenkeeper/internal/lifecycle"
)

type cookieJar struct {
	accessName  string
	refreshName string
	domain      string
	path        string
	secure      bool
	sameSite    http.SameSite
}

func newCookieJar(cfg *config.Config) cookieJar {
	sameSite := http.SameSiteLaxMode
	switch cfg.CookieSameSite {
	case "strict":
		sameSite = http.SameSiteStrictMode
	case "none":
		sameSite = http.SameSiteNoneMode
	}
	return cookieJar{
		accessName:  cfg.AccessCookieName,
		refreshName: cfg.RefreshCookieName,
		domain:      cfg.CookieDomain,
		path:        cfg.CookiePath,
		secure:      cfg.CookieSecure,
		sameSite:    sameSite,
	}
}

func (j cookieJar) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Domain:   j.domain,
		Path:     j.path,
		MaxAge:   maxAge,
		Secure:   j.secure,
		HttpOnly: true,
		SameSite: j.sameSite,
	}
}

// set writes both tokens as HttpOnly cookies that live as long as the tokens.
func (j cookieJar) set(w http.ResponseWriter, p *lifecycle.Pair) {
	http.SetCookie(w, j.cookie(j.accessName, p.AccessToken, int(p.AccessTTL/time.Second)))
	http.SetCookie(w, j.cookie(j.refreshName, p.RefreshToken, int(p.RefreshTTL/time.Second)))
}

func (j cookieJar) clear(w http.ResponseWriter) {
	http.SetCookie(w, j.cookie(j.accessName, "", -1))
	http.SetCookie(w, j.cookie(j.refreshName, "", -1))
}

func (j cookieJar) refresh(r *http.Request) string {
	if c, err := r.Cookie(j.refreshName); err == nil {
		return c.Value
	}
	return ""
}

// access returns the bearer token, falling back to the access cookie.
func (j cookieJar) access(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if c, err := r.Cookie(j.accessName); err == nil {
		return c.Value
	}
	return ""
}
