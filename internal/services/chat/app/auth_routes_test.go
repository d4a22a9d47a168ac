package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/louisbranch/chatroom/internal/services/chat/identity"
)

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("code") != "auth-code" || r.PostForm.Get("code_verifier") == "" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     "id-token-value",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestHostedUI(t *testing.T) (http.Handler, *httptest.Server) {
	t.Helper()
	tokenServer := newTokenServer(t)
	ui := newHostedUI(OAuthConfig{
		Domain:            tokenServer.URL,
		ClientID:          "client-1",
		RedirectURL:       "http://chat.example/auth/callback",
		LogoutRedirectURL: "http://chat.example/",
	})
	handler, _ := newTestHandler(t, func(deps *handlerDeps) { deps.hostedUI = ui })
	return handler, tokenServer
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, cookie := range cookies {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func TestNormalizeDomain(t *testing.T) {
	tests := map[string]string{
		"":                            "",
		"auth.example.com":            "https://auth.example.com",
		"auth.example.com/":           "https://auth.example.com",
		"http://localhost:9000":       "http://localhost:9000",
		" https://auth.example.com/ ": "https://auth.example.com",
	}
	for in, want := range tests {
		if got := normalizeDomain(in); got != want {
			t.Fatalf("normalizeDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHostedUIDisabledWithoutDomain(t *testing.T) {
	if ui := newHostedUI(OAuthConfig{ClientID: "client-1"}); ui != nil {
		t.Fatal("expected hosted UI to be disabled")
	}
	handler, _ := newTestHandler(t)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestLoginRedirectsToHostedUI(t *testing.T) {
	handler, tokenServer := newTestHostedUI(t)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	if rr.Code != http.StatusFound {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusFound)
	}
	location, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasPrefix(location.String(), tokenServer.URL+"/oauth2/authorize") {
		t.Fatalf("location = %q", location)
	}
	query := location.Query()
	if query.Get("client_id") != "client-1" || query.Get("code_challenge_method") != "S256" {
		t.Fatalf("query = %v", query)
	}
	state := findCookie(rr.Result().Cookies(), oauthStateCookie)
	if state == nil || state.Value != query.Get("state") {
		t.Fatalf("state cookie = %+v, want %q", state, query.Get("state"))
	}
	if findCookie(rr.Result().Cookies(), oauthVerifierCookie) == nil {
		t.Fatal("missing verifier cookie")
	}
}

func TestCallbackSetsTokenCookie(t *testing.T) {
	handler, _ := newTestHostedUI(t)
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=auth-code&state=state-1", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "state-1"})
	req.AddCookie(&http.Cookie{Name: oauthVerifierCookie, Value: "verifier-1"})
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/" {
		t.Fatalf("response = %d %q, want redirect to /", rr.Code, rr.Header().Get("Location"))
	}
	token := findCookie(rr.Result().Cookies(), identity.TokenCookieName)
	if token == nil || token.Value != "id-token-value" || !token.HttpOnly {
		t.Fatalf("token cookie = %+v", token)
	}
}

func TestCallbackRejectsBadState(t *testing.T) {
	tests := []struct {
		name   string
		target string
		state  string
	}{
		{name: "missing code", target: "/auth/callback?state=state-1", state: "state-1"},
		{name: "mismatched state", target: "/auth/callback?code=auth-code&state=state-1", state: "other"},
		{name: "provider error", target: "/auth/callback?error=access_denied", state: "state-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := newTestHostedUI(t)
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: tt.state})
			req.AddCookie(&http.Cookie{Name: oauthVerifierCookie, Value: "verifier-1"})
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status code = %d, want %d", rr.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestCallbackExchangeFailure(t *testing.T) {
	handler, _ := newTestHostedUI(t)
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=wrong&state=state-1", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "state-1"})
	req.AddCookie(&http.Cookie{Name: oauthVerifierCookie, Value: "verifier-1"})
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusBadGateway)
	}
}

func TestLogoutClearsCookieAndRedirects(t *testing.T) {
	handler, tokenServer := newTestHostedUI(t)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/logout", nil))

	if rr.Code != http.StatusFound {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusFound)
	}
	location, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasPrefix(location.String(), tokenServer.URL+"/logout?") {
		t.Fatalf("location = %q", location)
	}
	if location.Query().Get("client_id") != "client-1" || location.Query().Get("logout_uri") != "http://chat.example/" {
		t.Fatalf("logout query = %v", location.Query())
	}
	token := findCookie(rr.Result().Cookies(), identity.TokenCookieName)
	if token == nil || token.MaxAge >= 0 {
		t.Fatalf("token cookie = %+v, want cleared", token)
	}
}
