package gauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"
)

// CredentialStore is the durable slice of the session store the OAuth
// client needs: the long-lived refresh token standing in for the identity
// provider's ambient browser session.
type CredentialStore interface {
	RefreshToken() (string, bool)
	SaveRefreshToken(token string) error
}

type OAuthClientOptions struct {
	Config      ClientConfig
	Credentials CredentialStore
	Logger      Logger
	AuthURL     string
	TokenURL    string
	// ListenAddr is the loopback address for the interactive redirect.
	ListenAddr string
	// FlowTimeout bounds how long the interactive flow waits for the
	// browser redirect before reporting a dismissal.
	FlowTimeout time.Duration
	OpenBrowser func(url string) error
	HTTPClient  *http.Client
}

// OAuthTokenClient is the production TokenClient. A silent request is a
// refresh-token grant; an interactive request runs the PKCE
// authorization-code flow through a loopback redirect and the user's
// browser.
type OAuthTokenClient struct {
	config      ClientConfig
	credentials CredentialStore
	logger      Logger
	authURL     string
	tokenURL    string
	listenAddr  string
	flowTimeout time.Duration
	openBrowser func(url string) error
	httpClient  *http.Client
}

func NewOAuthTokenClient(opts OAuthClientOptions) (*OAuthTokenClient, error) {
	if strings.TrimSpace(opts.Config.ClientID) == "" {
		return nil, fmt.Errorf("oauth client id is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	authURL := strings.TrimSpace(opts.AuthURL)
	if authURL == "" {
		authURL = googleAuthURL
	}
	tokenURL := strings.TrimSpace(opts.TokenURL)
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	listenAddr := strings.TrimSpace(opts.ListenAddr)
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}
	flowTimeout := opts.FlowTimeout
	if flowTimeout <= 0 {
		flowTimeout = 3 * time.Minute
	}
	openBrowser := opts.OpenBrowser
	if openBrowser == nil {
		openBrowser = openInBrowser
	}
	return &OAuthTokenClient{
		config:      opts.Config,
		credentials: opts.Credentials,
		logger:      opts.Logger,
		authURL:     authURL,
		tokenURL:    tokenURL,
		listenAddr:  listenAddr,
		flowTimeout: flowTimeout,
		openBrowser: openBrowser,
		httpClient:  opts.HTTPClient,
	}, nil
}

// NewOAuthClientFactory adapts the production client to the discovery
// contract the manager initializes through.
func NewOAuthClientFactory(opts OAuthClientOptions) ClientFactory {
	return func(ctx context.Context, cfg ClientConfig) (TokenClient, error) {
		opts.Config = cfg
		return NewOAuthTokenClient(opts)
	}
}

func (c *OAuthTokenClient) RequestAccessToken(ctx context.Context, req TokenRequest, onToken func(TokenResponse), onErr func(TokenError)) {
	go func() {
		var resp TokenResponse
		var terr *TokenError
		if req.Prompt == PromptNone {
			resp, terr = c.silentGrant(ctx)
		} else {
			resp, terr = c.interactiveFlow(ctx, req)
		}
		if terr != nil {
			onErr(*terr)
			return
		}
		onToken(resp)
	}()
}

func (c *OAuthTokenClient) silentGrant(ctx context.Context) (TokenResponse, *TokenError) {
	refreshToken, ok := c.credentials.RefreshToken()
	if !ok {
		return TokenResponse{}, &TokenError{Code: CodeNoSession, Message: "no stored session"}
	}
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	source := c.oauthConfig("").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return TokenResponse{}, silentGrantError(err)
	}
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		if saveErr := c.credentials.SaveRefreshToken(token.RefreshToken); saveErr != nil {
			c.logf("persisting rotated refresh token failed: %v", saveErr)
		}
	}
	return tokenResponseFrom(token), nil
}

func silentGrantError(err error) *TokenError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode != "" {
		return &TokenError{Code: retrieveErr.ErrorCode, Message: retrieveErr.ErrorDescription}
	}
	return &TokenError{Code: CodeNoSession, Message: err.Error()}
}

func (c *OAuthTokenClient) interactiveFlow(ctx context.Context, req TokenRequest) (TokenResponse, *TokenError) {
	ln, err := net.Listen("tcp", c.listenAddr)
	if err != nil {
		return TokenResponse{}, &TokenError{Code: "listen_failed", Message: err.Error()}
	}
	defer ln.Close()

	cfg := c.oauthConfig(fmt.Sprintf("http://%s/callback", ln.Addr().String()))
	state, err := randomToken(24)
	if err != nil {
		return TokenResponse{}, &TokenError{Code: "entropy_failed", Message: err.Error()}
	}
	verifier, err := randomToken(48)
	if err != nil {
		return TokenResponse{}, &TokenError{Code: "entropy_failed", Message: err.Error()}
	}

	codeCh := make(chan string, 1)
	errCh := make(chan TokenError, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			errCh <- TokenError{Code: "state_mismatch"}
			return
		}
		if denial := query.Get("error"); denial != "" {
			http.Error(w, denial, http.StatusBadRequest)
			errCh <- TokenError{Code: CodeAccessDenied, Message: denial}
			return
		}
		code := query.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			errCh <- TokenError{Code: "missing_code"}
			return
		}
		_, _ = io.WriteString(w, "sheetspend sign-in complete. You can close this tab.")
		codeCh <- code
	})
	server := &http.Server{Handler: mux}
	go func() { _ = server.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	authParams := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if req.LoginHint != "" {
		authParams = append(authParams, oauth2.SetAuthURLParam("login_hint", req.LoginHint))
	}
	authURL := cfg.AuthCodeURL(state, authParams...)
	c.logf("open this URL to authorize: %s", authURL)
	if err := c.openBrowser(authURL); err != nil {
		c.logf("could not open browser automatically: %v", err)
	}

	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	select {
	case code := <-codeCh:
		token, exchangeErr := cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
		if exchangeErr != nil {
			return TokenResponse{}, &TokenError{Code: "exchange_failed", Message: exchangeErr.Error()}
		}
		if token.RefreshToken != "" {
			if saveErr := c.credentials.SaveRefreshToken(token.RefreshToken); saveErr != nil {
				c.logf("persisting refresh token failed: %v", saveErr)
			}
		} else {
			c.logf("no refresh token returned; silent refresh will not work until the next full sign-in")
		}
		return tokenResponseFrom(token), nil
	case terr := <-errCh:
		return TokenResponse{}, &terr
	case <-ctx.Done():
		return TokenResponse{}, &TokenError{Code: CodeUserCancel, Message: ctx.Err().Error()}
	case <-time.After(c.flowTimeout):
		return TokenResponse{}, &TokenError{Code: CodePopupClosed, Message: "timed out waiting for browser redirect"}
	}
}

func (c *OAuthTokenClient) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       c.config.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.authURL,
			TokenURL: c.tokenURL,
		},
	}
}

func (c *OAuthTokenClient) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func tokenResponseFrom(token *oauth2.Token) TokenResponse {
	expiresIn := int64(time.Until(token.Expiry).Seconds())
	if token.Expiry.IsZero() || expiresIn <= 0 {
		expiresIn = 3600
	}
	return TokenResponse{AccessToken: token.AccessToken, ExpiresIn: expiresIn}
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func openInBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
