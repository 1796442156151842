package onedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aqwacloud/transfercore/pkg/provider"
)

const graphScope = "https://graph.microsoft.com/Files.ReadWrite.All offline_access"

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (c *Client) tokenURL() string {
	if c.config.TokenURL != "" {
		return c.config.TokenURL
	}
	tenant := c.config.TenantID
	if tenant == "" {
		tenant = "common"
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant)
}

// RefreshAccessToken exchanges a refresh token at the Microsoft identity
// platform token endpoint. A 4xx answer means the refresh token is invalid or
// revoked; that is surfaced as a reauth-required AuthError and never retried.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	ctx, span := c.tracer.Start(ctx, "onedrive.refresh_access_token")
	defer span.End()

	if refreshToken == "" {
		err := &provider.AuthError{
			Provider:       provider.ProviderMicrosoft,
			Message:        "no refresh token available",
			ReauthRequired: true,
		}
		span.RecordError(err)
		return nil, err
	}

	form := url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
		"scope":         {graphScope},
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL(),
		strings.NewReader(form.Encode()))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		perr := &provider.ProviderError{Provider: provider.ProviderMicrosoft, Message: err.Error()}
		span.RecordError(perr)
		return nil, perr
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		aerr := &provider.AuthError{
			Provider:       provider.ProviderMicrosoft,
			Message:        "refresh token rejected",
			ReauthRequired: true,
		}
		span.RecordError(aerr)
		return nil, aerr
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		perr := &provider.ProviderError{
			Provider:   provider.ProviderMicrosoft,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
		span.RecordError(perr)
		return nil, perr
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		perr := &provider.ProviderError{
			Provider: provider.ProviderMicrosoft,
			Message:  "parsing token response: " + err.Error(),
		}
		span.RecordError(perr)
		return nil, perr
	}

	c.metrics.TokenRefreshes++

	span.SetAttributes(attribute.Bool("refresh_token.rotated", tr.RefreshToken != ""))

	return &provider.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
