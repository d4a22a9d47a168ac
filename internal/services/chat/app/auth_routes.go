package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/louisbranch/chatroom/internal/platform/id"
	"github.com/louisbranch/chatroom/internal/platform/timeouts"
	"github.com/louisbranch/chatroom/internal/services/chat/identity"
	"golang.org/x/oauth2"
)

const (
	oauthStateCookie    = "chat_oauth_state"
	oauthVerifierCookie = "chat_oauth_verifier"
	oauthFlowTTL        = 10 * time.Minute
)

// OAuthConfig configures the hosted login pages. Login routes are only
// mounted when Domain and ClientID are both set.
type OAuthConfig struct {
	Domain            string
	ClientID          string
	ClientSecret      string
	RedirectURL       string
	LogoutRedirectURL string
	Scopes            []string
}

func (c OAuthConfig) enabled() bool {
	return strings.TrimSpace(c.Domain) != "" && strings.TrimSpace(c.ClientID) != ""
}

type hostedUI struct {
	domain       string
	logoutTarget string
	oauth        *oauth2.Config
	httpClient   *http.Client
}

func newHostedUI(cfg OAuthConfig) *hostedUI {
	if !cfg.enabled() {
		return nil
	}
	domain := normalizeDomain(cfg.Domain)
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	return &hostedUI{
		domain:       domain,
		logoutTarget: cfg.LogoutRedirectURL,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  domain + "/oauth2/authorize",
				TokenURL: domain + "/oauth2/token",
			},
		},
	}
}

// normalizeDomain adds an https scheme to bare hosted UI domains.
func normalizeDomain(domain string) string {
	domain = strings.TrimRight(strings.TrimSpace(domain), "/")
	if domain == "" {
		return ""
	}
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	return domain
}

func (h *hostedUI) login(w http.ResponseWriter, r *http.Request) {
	state := id.NewConnectionID()
	verifier := oauth2.GenerateVerifier()
	setFlowCookie(w, r, oauthStateCookie, state, oauthFlowTTL)
	setFlowCookie(w, r, oauthVerifierCookie, verifier, oauthFlowTTL)
	http.Redirect(w, r, h.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), http.StatusFound)
}

func (h *hostedUI) callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		http.Error(w, "login failed: "+errParam, http.StatusBadRequest)
		return
	}
	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		http.Error(w, "missing code or state", http.StatusBadRequest)
		return
	}
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value != state {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	verifierCookie, err := r.Cookie(oauthVerifierCookie)
	if err != nil || verifierCookie.Value == "" {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	clearCookie(w, r, oauthStateCookie)
	clearCookie(w, r, oauthVerifierCookie)

	idToken, expiry, err := h.exchange(r.Context(), code, verifierCookie.Value)
	if err != nil {
		log.Printf("chat: hosted login exchange: %v", err)
		http.Error(w, "failed to exchange authorization code", http.StatusBadGateway)
		return
	}

	maxAge := time.Hour
	if !expiry.IsZero() {
		if remaining := time.Until(expiry); remaining > 0 {
			maxAge = remaining
		}
	}
	setCookie(w, r, identity.TokenCookieName, idToken, maxAge)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *hostedUI) exchange(ctx context.Context, code, verifier string) (string, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.OAuthExchange)
	defer cancel()
	if h.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, h.httpClient)
	}
	token, err := h.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return "", time.Time{}, err
	}
	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return "", time.Time{}, errors.New("token response missing id_token")
	}
	return idToken, token.Expiry, nil
}

func (h *hostedUI) logout(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, r, identity.TokenCookieName)
	if h.logoutTarget == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	query := url.Values{}
	query.Set("client_id", h.oauth.ClientID)
	query.Set("logout_uri", h.logoutTarget)
	http.Redirect(w, r, h.domain+"/logout?"+query.Encode(), http.StatusFound)
}

func setFlowCookie(w http.ResponseWriter, r *http.Request, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func setCookie(w http.ResponseWriter, r *http.Request, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCookie(w http.ResponseWriter, r *http.Request, name string) {
	path := "/"
	if name == oauthStateCookie || name == oauthVerifierCookie {
		path = "/auth"
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}
