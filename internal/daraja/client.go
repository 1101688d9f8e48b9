// Package daraja implements the payment.Gateway interface against the
// Safaricom Daraja API: OAuth token issuance, STK push initiation, the push
// status query, and callback parsing.
package daraja

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/msingigym/backend/internal/payment"
)

const (
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"

	tokenPath    = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	initiateTimeout = 30 * time.Second
	queryTimeout    = 15 * time.Second
	tokenTimeout    = 10 * time.Second

	// Refresh the cached token this long before Daraja expires it.
	tokenExpiryMargin = 30 * time.Second

	timestampLayout = "20060102150405"
)

// Result codes Daraja reports for a settled push. Anything non-zero is a
// definitive failure; 1032 and 1037 are the common ones.
const (
	resultCodeSuccess     = "0"
	resultCodeCancelled   = "1032" // user dismissed the prompt
	resultCodeUnreachable = "1037" // handset offline or prompt timed out
)

// errorCodeProcessing is Daraja's "the transaction is being processed"
// rejection of a premature status query. It means no verdict yet.
const errorCodeProcessing = "500.001.1001"

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
}

type Client struct {
	cfg    Config
	client *http.Client
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxBaseURL
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: initiateTimeout},
		now:    time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken returns the cached OAuth token, fetching a fresh one when
// absent or within the expiry margin.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-tokenExpiryMargin)) {
		return c.token, nil
	}

	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}

	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &payment.GatewayError{Desc: "token request failed: " + err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &payment.GatewayError{
			Desc:      fmt.Sprintf("token request returned status %d", resp.StatusCode),
			Retryable: resp.StatusCode >= 500,
		}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	if tr.AccessToken == "" {
		return "", &payment.GatewayError{Desc: "no access token in response", Retryable: true}
	}

	ttl := 3600 * time.Second
	if d, err := time.ParseDuration(tr.ExpiresIn + "s"); err == nil && d > 0 {
		ttl = d
	}

	c.token = tr.AccessToken
	c.tokenExpiry = c.now().Add(ttl)

	return c.token, nil
}

// password derives the per-request credential Daraja expects:
// base64(shortcode + passkey + timestamp).
func (c *Client) password(at time.Time) (string, string) {
	ts := at.Format(timestampLayout)
	pw := base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + ts))

	return pw, ts
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// Initiate sends an STK push prompting the payer's handset.
func (c *Client) Initiate(ctx context.Context, phone string, amount int64, accountRef, description string) (*payment.InitiateResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	pw, ts := c.password(c.now())

	body := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          pw,
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   description,
	}

	ctx, cancel := context.WithTimeout(ctx, initiateTimeout)
	defer cancel()

	var out stkPushResponse
	if err := c.post(ctx, token, stkPushPath, body, &out); err != nil {
		return nil, err
	}

	if out.ResponseCode != resultCodeSuccess {
		desc := out.ResponseDescription
		if desc == "" {
			desc = out.ErrorMessage
		}

		return nil, &payment.GatewayError{Code: out.ErrorCode, Desc: desc}
	}

	return &payment.InitiateResult{
		CheckoutRequestID: out.CheckoutRequestID,
		MerchantRequestID: out.MerchantRequestID,
	}, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResultCode        string            `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	CallbackMetadata  *callbackMetadata `json:"CallbackMetadata"`
	ErrorCode         string            `json:"errorCode"`
	ErrorMessage      string            `json:"errorMessage"`
}

// QueryStatus asks Daraja for the current verdict on a push. A query issued
// before the payer has acted comes back as OutcomePending, distinct from a
// definitive failure.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*payment.StatusResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	pw, ts := c.password(c.now())

	body := stkQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          pw,
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var out stkQueryResponse
	if err := c.post(ctx, token, stkQueryPath, body, &out); err != nil {
		return nil, err
	}

	if out.ErrorCode == errorCodeProcessing {
		return &payment.StatusResult{Outcome: payment.OutcomePending, Detail: out.ErrorMessage}, nil
	}

	if out.ErrorCode != "" {
		return nil, &payment.GatewayError{Code: out.ErrorCode, Desc: out.ErrorMessage, Retryable: true}
	}

	res := &payment.StatusResult{Detail: out.ResultDesc}

	switch out.ResultCode {
	case resultCodeSuccess:
		res.Outcome = payment.OutcomeSuccess

		if out.CallbackMetadata != nil {
			meta := out.CallbackMetadata.toMap()
			res.ReceiptReference = meta.receipt
			res.Amount = meta.amount
			res.Phone = meta.phone
		}
	case "":
		res.Outcome = payment.OutcomePending
	default:
		res.Outcome = payment.OutcomeFailure
	}

	return res, nil
}

func (c *Client) post(ctx context.Context, token, path string, body, out any) error {
	payloadBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(string(payloadBytes)))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &payment.GatewayError{Desc: "request failed: " + err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &payment.GatewayError{
			Desc:      fmt.Sprintf("gateway returned status %d", resp.StatusCode),
			Retryable: true,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
