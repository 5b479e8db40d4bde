package gauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

type fakeCredentials struct {
	mu           sync.Mutex
	refreshToken string
}

func (c *fakeCredentials) RefreshToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refreshToken == "" {
		return "", false
	}
	return c.refreshToken, true
}

func (c *fakeCredentials) SaveRefreshToken(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshToken = token
	return nil
}

func collectFlow(t *testing.T, client *OAuthTokenClient, req TokenRequest) (TokenResponse, TokenError, bool) {
	t.Helper()
	tokenCh := make(chan TokenResponse, 1)
	errCh := make(chan TokenError, 1)
	client.RequestAccessToken(context.Background(), req,
		func(resp TokenResponse) { tokenCh <- resp },
		func(terr TokenError) { errCh <- terr },
	)
	select {
	case resp := <-tokenCh:
		return resp, TokenError{}, true
	case terr := <-errCh:
		return TokenResponse{}, terr, false
	case <-time.After(5 * time.Second):
		t.Fatalf("flow never called back")
		return TokenResponse{}, TokenError{}, false
	}
}

func TestSilentGrantWithoutStoredSessionFailsImmediately(t *testing.T) {
	client, err := NewOAuthTokenClient(OAuthClientOptions{
		Config:      ClientConfig{ClientID: "cid"},
		Credentials: &fakeCredentials{},
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	_, terr, ok := collectFlow(t, client, TokenRequest{Prompt: PromptNone})
	if ok {
		t.Fatalf("expected silent grant to fail with no stored session")
	}
	if terr.Code != CodeNoSession {
		t.Fatalf("expected no_session, got %q", terr.Code)
	}
}

func TestSilentGrantExchangesRefreshTokenAndPersistsRotation(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			http.Error(w, "unexpected grant type "+got, http.StatusBadRequest)
			return
		}
		if got := r.Form.Get("refresh_token"); got != "rt_old" {
			http.Error(w, "unexpected refresh token "+got, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at_1","token_type":"Bearer","expires_in":3600,"refresh_token":"rt_new"}`))
	}))
	defer tokenServer.Close()

	creds := &fakeCredentials{refreshToken: "rt_old"}
	client, err := NewOAuthTokenClient(OAuthClientOptions{
		Config:      ClientConfig{ClientID: "cid", ClientSecret: "secret"},
		Credentials: creds,
		TokenURL:    tokenServer.URL,
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	resp, terr, ok := collectFlow(t, client, TokenRequest{Prompt: PromptNone})
	if !ok {
		t.Fatalf("silent grant failed: %v", terr)
	}
	if resp.AccessToken != "at_1" {
		t.Fatalf("expected at_1, got %q", resp.AccessToken)
	}
	if resp.ExpiresIn <= 0 || resp.ExpiresIn > 3600 {
		t.Fatalf("unexpected expires_in %d", resp.ExpiresIn)
	}
	if rt, _ := creds.RefreshToken(); rt != "rt_new" {
		t.Fatalf("expected rotated refresh token to be persisted, got %q", rt)
	}
}

func TestSilentGrantMapsProviderErrorCode(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been revoked."}`))
	}))
	defer tokenServer.Close()

	client, err := NewOAuthTokenClient(OAuthClientOptions{
		Config:      ClientConfig{ClientID: "cid"},
		Credentials: &fakeCredentials{refreshToken: "rt_revoked"},
		TokenURL:    tokenServer.URL,
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	_, terr, ok := collectFlow(t, client, TokenRequest{Prompt: PromptNone})
	if ok {
		t.Fatalf("expected revoked grant to fail")
	}
	if terr.Code != "invalid_grant" {
		t.Fatalf("expected invalid_grant, got %q", terr.Code)
	}
}

func TestInteractiveFlowExchangesCodeThroughLoopbackRedirect(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got := r.Form.Get("code"); got != "code_1" {
			http.Error(w, "unexpected code "+got, http.StatusBadRequest)
			return
		}
		if r.Form.Get("code_verifier") == "" {
			http.Error(w, "missing code verifier", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at_int","token_type":"Bearer","expires_in":3599,"refresh_token":"rt_int"}`))
	}))
	defer tokenServer.Close()

	creds := &fakeCredentials{}
	// The fake browser follows the auth URL's redirect_uri straight back
	// with the expected state and a fixed code.
	openBrowser := func(authURL string) error {
		parsed, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		query := parsed.Query()
		redirect := query.Get("redirect_uri")
		state := query.Get("state")
		if query.Get("login_hint") != "user@example.com" {
			t.Errorf("expected login hint in auth URL, got %q", query.Get("login_hint"))
		}
		go func() {
			resp, err := http.Get(redirect + "?state=" + url.QueryEscape(state) + "&code=code_1")
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
		return nil
	}

	client, err := NewOAuthTokenClient(OAuthClientOptions{
		Config:      ClientConfig{ClientID: "cid", ClientSecret: "secret", Scopes: []string{"scope.a"}},
		Credentials: creds,
		TokenURL:    tokenServer.URL,
		OpenBrowser: openBrowser,
		FlowTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	resp, terr, ok := collectFlow(t, client, TokenRequest{Prompt: PromptConsent, LoginHint: "user@example.com"})
	if !ok {
		t.Fatalf("interactive flow failed: %v", terr)
	}
	if resp.AccessToken != "at_int" {
		t.Fatalf("expected at_int, got %q", resp.AccessToken)
	}
	if rt, _ := creds.RefreshToken(); rt != "rt_int" {
		t.Fatalf("expected refresh token to be persisted, got %q", rt)
	}
}

func TestInteractiveFlowReportsExplicitDenial(t *testing.T) {
	openBrowser := func(authURL string) error {
		parsed, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		query := parsed.Query()
		redirect := query.Get("redirect_uri")
		state := query.Get("state")
		go func() {
			resp, err := http.Get(redirect + "?state=" + url.QueryEscape(state) + "&error=access_denied")
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
		return nil
	}
	client, err := NewOAuthTokenClient(OAuthClientOptions{
		Config:      ClientConfig{ClientID: "cid"},
		Credentials: &fakeCredentials{},
		OpenBrowser: openBrowser,
		FlowTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	_, terr, ok := collectFlow(t, client, TokenRequest{Prompt: PromptConsent})
	if ok {
		t.Fatalf("expected denial to fail the flow")
	}
	if terr.Code != CodeAccessDenied {
		t.Fatalf("expected access_denied, got %q", terr.Code)
	}
}
