package gauth

import (
	"context"
	"fmt"
)

// Prompt values for a token request. PromptNone suppresses any account
// picker or consent UI; PromptConsent forces the full interactive flow.
const (
	PromptNone    = "none"
	PromptConsent = "consent"
)

// Provider error codes carried by TokenError. The dismissal codes describe
// a user closing or declining the consent UI rather than a real failure.
const (
	CodePopupClosed  = "popup_closed"
	CodeAccessDenied = "access_denied"
	CodeUserCancel   = "user_cancel"
	CodeNoSession    = "no_session"
)

type TokenRequest struct {
	Prompt    string
	LoginHint string
}

type TokenResponse struct {
	AccessToken string
	ExpiresIn   int64
}

type TokenError struct {
	Code    string
	Message string
}

func (e TokenError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("token flow failed: %s", e.Code)
	}
	return fmt.Sprintf("token flow failed: %s: %s", e.Code, e.Message)
}

func (e TokenError) Dismissal() bool {
	switch e.Code {
	case CodePopupClosed, CodeAccessDenied, CodeUserCancel:
		return true
	}
	return false
}

// TokenClient is the identity provider's token surface. One call starts one
// flow; at most one of the two callbacks fires, later, from another
// goroutine. A broken provider may fire neither, which is why the manager
// arms a fallback timer around silent flows.
type TokenClient interface {
	RequestAccessToken(ctx context.Context, req TokenRequest, onToken func(TokenResponse), onErr func(TokenError))
}

// ClientFactory performs provider discovery and hands back a ready client.
type ClientFactory func(ctx context.Context, cfg ClientConfig) (TokenClient, error)

type ClientConfig struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

type Logger interface {
	Printf(format string, args ...any)
}
