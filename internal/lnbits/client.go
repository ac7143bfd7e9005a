package lnbits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minimalistic-Apps/donation-key-server/internal/logger"
	"github.com/Minimalistic-Apps/donation-key-server/internal/models"
)

// PaymentDetailsExtra carries the pay-link metadata LNbits attaches to a
// payment record. Link is the authoritative pay-link binding of the payment.
type PaymentDetailsExtra struct {
	Tag     string               `json:"tag"`
	Link    models.PaymentLinkID `json:"link"`
	Comment string               `json:"comment"`
}

// PaymentDetails is the inner payment record.
type PaymentDetails struct {
	CheckingID  string              `json:"checking_id"`
	Pending     bool                `json:"pending"`
	Amount      decimal.Decimal     `json:"amount"`
	Fee         int64               `json:"fee"`
	Memo        string              `json:"memo"`
	Bolt11      string              `json:"bolt11"`
	PaymentHash string              `json:"payment_hash"`
	Extra       PaymentDetailsExtra `json:"extra"`
}

// Payment is the provider's authoritative record for one payment hash.
type Payment struct {
	Paid     bool           `json:"paid"`
	Preimage string         `json:"preimage"`
	Details  PaymentDetails `json:"details"`
}

// Client is the outbound boundary to the payment provider: create a
// fixed-amount pay link, fetch a link's redeemable URL, and fetch the
// authoritative payment record by hash.
type Client interface {
	CreatePayLink(ctx context.Context, amount decimal.Decimal, description, callbackURL string) (models.PaymentLinkID, error)
	GetPaymentLink(ctx context.Context, id models.PaymentLinkID) (models.LnURL, error)
	GetPayment(ctx context.Context, hash models.PaymentHash) (Payment, error)
}

// Shared transport - connection reuse, bounded dial and TLS handshakes.
var transport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   2 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:        50,
	MaxIdleConnsPerHost: 50,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 2 * time.Second,
}

// HTTPClient talks to an LNbits instance over its REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient builds a client with a bounded overall request timeout so a
// stalled provider cannot hang claim creation or callback handling.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// createPayLinkRequest pins the amount by setting min = max.
type createPayLinkRequest struct {
	Description  string `json:"description"`
	Min          int64  `json:"min"`
	Max          int64  `json:"max"`
	CommentChars int    `json:"comment_chars"`
	WebhookURL   string `json:"webhook_url"`
}

// CreatePayLink registers a fixed-amount pay link tagged with the webhook
// callback URL and returns its provider-side id.
func (c *HTTPClient) CreatePayLink(ctx context.Context, amount decimal.Decimal, description, callbackURL string) (models.PaymentLinkID, error) {
	reqBody := createPayLinkRequest{
		Description:  description,
		Min:          amount.IntPart(),
		Max:          amount.IntPart(),
		CommentChars: 0,
		WebhookURL:   callbackURL,
	}

	var result struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/lnurlp/api/v1/links", reqBody, &result); err != nil {
		return 0, fmt.Errorf("failed to create pay link: %w", err)
	}
	return models.PaymentLinkID(result.ID), nil
}

// GetPaymentLink fetches the redeemable LNURL of an existing pay link.
func (c *HTTPClient) GetPaymentLink(ctx context.Context, id models.PaymentLinkID) (models.LnURL, error) {
	var result struct {
		LnURL string `json:"lnurl"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/lnurlp/api/v1/links/%d", id), nil, &result); err != nil {
		return "", fmt.Errorf("failed to get pay link: %w", err)
	}
	return models.LnURL(result.LnURL), nil
}

// GetPayment fetches the authoritative payment record for a hash. Callback
// handling re-derives truth from this record because the webhook body
// itself can be spoofed.
func (c *HTTPClient) GetPayment(ctx context.Context, hash models.PaymentHash) (Payment, error) {
	var payment Payment
	if err := c.do(ctx, http.MethodGet, "/api/v1/payments/"+string(hash), nil, &payment); err != nil {
		return Payment{}, fmt.Errorf("failed to get payment: %w", err)
	}
	return payment, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(encoded)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	logger.Info("lnbits request", map[string]interface{}{
		"method": method,
		"url":    url,
		"status": resp.StatusCode,
	})

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody)
	}

	return json.Unmarshal(respBody, out)
}
