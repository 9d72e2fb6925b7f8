package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tucanopay/wallet-core-go/internal/platform/clock"
	"github.com/tucanopay/wallet-core-go/internal/platform/resilience"
)

const tokenTTL = time.Hour

// maxErrorSnippet bounds how much of a malformed body gets logged.
const maxErrorSnippet = 512

// Options configure the settlement gateway client.
type Options struct {
	BaseURL      string
	ClientID     string // Basic auth for the application token endpoint
	ClientSecret string
	UserSecret   string // shared secret presented with each payer document
	Timeout      time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	Breakers     *resilience.BreakerSet
	Retry        resilience.RetryPolicy
	HTTPClient   *http.Client
}

// Client talks to the external payment processor. It caches an
// application-scoped token and one user token per payer document, both for
// one hour, and re-authenticates exactly once when the gateway rejects a
// cached user token.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	clientID     string
	clientSecret string
	userSecret   string
	clock        clock.Clock
	logger       *slog.Logger
	breakers     *resilience.BreakerSet
	retry        resilience.RetryPolicy

	appTokens  *tokenCache
	userTokens *tokenCache
}

func New(opts Options) *Client {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = resilience.NewBreakerSet(resilience.DefaultBreakerSettings(), opts.Logger)
	}
	retry := opts.Retry
	if retry.MaxRetries == 0 {
		retry = resilience.DefaultRetryPolicy()
	}
	return &Client{
		baseURL:      opts.BaseURL,
		httpClient:   httpClient,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		userSecret:   opts.UserSecret,
		clock:        clk,
		logger:       opts.Logger,
		breakers:     breakers,
		retry:        retry,
		appTokens:    newTokenCache(tokenTTL, clk),
		userTokens:   newTokenCache(tokenTTL, clk),
	}
}

// QuoteTransfer resolves a PIX key into a settlement intent and a
// beneficiary snapshot. No funds move.
func (c *Client) QuoteTransfer(ctx context.Context, document, keyType, keyValue string) (Quote, error) {
	var quote Quote
	body := map[string]string{"key_type": keyType, "key_value": keyValue}
	err := c.privileged(ctx, document, "quote", http.MethodPost, "/pix/transfers/quote", body, &quote)
	return quote, err
}

// ConfirmTransfer executes a previously quoted transfer. Not idempotent at
// the gateway, so it is never retried on transient faults.
func (c *Client) ConfirmTransfer(ctx context.Context, document, settlementID string, amount decimal.Decimal, description string) (Ack, error) {
	var ack Ack
	body := map[string]any{"amount": amount, "description": description}
	path := "/pix/transfers/" + url.PathEscape(settlementID) + "/confirm"
	err := c.privileged(ctx, document, "confirm_transfer", http.MethodPost, path, body, &ack)
	return ack, err
}

// CreateTransactionalToken opens a short-lived gateway authorization for a
// specific amount; required before password confirmation and transfer.
func (c *Client) CreateTransactionalToken(ctx context.Context, document string, amount decimal.Decimal, geo GeoPoint) error {
	var out struct {
		Status string `json:"status"`
	}
	body := map[string]any{"amount": amount, "geo": geo}
	path := "/users/" + url.PathEscape(document) + "/transactional-token"
	return c.privileged(ctx, document, "transactional_token", http.MethodPost, path, body, &out)
}

// ConfirmTransactionalPassword validates the payer's transactional password
// registered at the gateway.
func (c *Client) ConfirmTransactionalPassword(ctx context.Context, document string) error {
	var out struct {
		Status string `json:"status"`
	}
	path := "/users/" + url.PathEscape(document) + "/confirm-password"
	return c.privileged(ctx, document, "confirm_password", http.MethodPost, path, nil, &out)
}

// GetBalance reads the payer's balance held at the gateway. Idempotent,
// retried on transient faults.
func (c *Client) GetBalance(ctx context.Context, document string) (decimal.Decimal, error) {
	var out struct {
		Available decimal.Decimal `json:"available"`
	}
	path := "/accounts/" + url.PathEscape(document) + "/balance"
	err := resilience.Retry(ctx, c.retry, c.logger, "gateway.balance", func() error {
		return c.privileged(ctx, document, "balance", http.MethodGet, path, nil, &out)
	})
	return out.Available, err
}

// GetStatements lists gateway-side account movements inside the window.
func (c *Client) GetStatements(ctx context.Context, document string, from, to time.Time) ([]StatementEntry, error) {
	var out struct {
		Entries []StatementEntry `json:"entries"`
	}
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	path := "/accounts/" + url.PathEscape(document) + "/statements?" + q.Encode()
	err := resilience.Retry(ctx, c.retry, c.logger, "gateway.statements", func() error {
		return c.privileged(ctx, document, "statements", http.MethodGet, path, nil, &out)
	})
	return out.Entries, err
}

// privileged performs a call carrying the user-scoped token. On an
// authorization rejection it invalidates the cached token, re-authenticates,
// and retries the call exactly once. Tokens can expire at the gateway before
// the local cache TTL does, so this is a correctness requirement.
func (c *Client) privileged(ctx context.Context, document, endpoint, method, path string, body, out any) error {
	token, err := c.userToken(ctx, document)
	if err != nil {
		return err
	}
	err = c.doJSON(ctx, endpoint, method, path, token, body, out)
	if !IsAuthFailure(err) {
		return err
	}
	if c.logger != nil {
		c.logger.Info("gateway rejected cached user token, re-authenticating once",
			"endpoint", endpoint, "document", document)
	}
	c.userTokens.Invalidate(document)
	token, err = c.userToken(ctx, document)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, endpoint, method, path, token, body, out)
}

func (c *Client) userToken(ctx context.Context, document string) (string, error) {
	return c.userTokens.GetOrRefresh(ctx, document, func(ctx context.Context) (string, error) {
		appToken, err := c.appToken(ctx)
		if err != nil {
			return "", err
		}
		var out struct {
			AccessToken string `json:"access_token"`
		}
		body := map[string]string{"document": document, "secret": c.userSecret}
		if err := c.doJSON(ctx, "user_token", http.MethodPost, "/users/token", appToken, body, &out); err != nil {
			return "", err
		}
		if out.AccessToken == "" {
			return "", &ProtocolError{Endpoint: "user_token", Snippet: "empty access_token"}
		}
		return out.AccessToken, nil
	})
}

func (c *Client) appToken(ctx context.Context) (string, error) {
	return c.appTokens.GetOrRefresh(ctx, "app", func(ctx context.Context) (string, error) {
		var out struct {
			AccessToken string `json:"access_token"`
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token",
			bytes.NewBufferString("grant_type=client_credentials"))
		if err != nil {
			return "", err
		}
		req.SetBasicAuth(c.clientID, c.clientSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if err := c.execute("app_token", req, &out); err != nil {
			return "", err
		}
		if out.AccessToken == "" {
			return "", &ProtocolError{Endpoint: "app_token", Snippet: "empty access_token"}
		}
		return out.AccessToken, nil
	})
}

func (c *Client) doJSON(ctx context.Context, endpoint, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.execute(endpoint, req, out)
}

func (c *Client) execute(endpoint string, req *http.Request, out any) error {
	// Well-formed 4xx rejections are the gateway working as intended; only
	// transport faults, 5xx, and malformed bodies count against the breaker.
	var rejection error
	err := c.breakers.Execute(endpoint, func() error {
		rejection = nil
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read %s response: %w", endpoint, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return c.protocolFault(endpoint, resp.StatusCode, raw)
			}
			return nil
		}

		apiErr := &APIError{Endpoint: endpoint, Status: resp.StatusCode}
		if err := json.Unmarshal(raw, apiErr); err != nil {
			return c.protocolFault(endpoint, resp.StatusCode, raw)
		}
		if apiErr.Status >= 500 {
			return apiErr
		}
		rejection = apiErr
		return nil
	})
	if err != nil {
		return err
	}
	return rejection
}

func (c *Client) protocolFault(endpoint string, status int, raw []byte) error {
	snippet := string(raw)
	if len(snippet) > maxErrorSnippet {
		snippet = snippet[:maxErrorSnippet]
	}
	perr := &ProtocolError{Endpoint: endpoint, Status: status, Snippet: snippet}
	if c.logger != nil {
		c.logger.Error("gateway returned malformed response",
			"endpoint", endpoint, "status", status, "body", snippet)
	}
	return perr
}
