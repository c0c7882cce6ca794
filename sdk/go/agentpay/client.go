package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentPay Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// PaymentSubmission represents the payload required to propose a payment.
type PaymentSubmission struct {
	AgentID   string `json:"agent_id"`
	Owner     string `json:"owner"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Chain     string `json:"chain"`
}

// Payment is the server side view of a payment proposal.
type Payment struct {
	ID         string   `json:"id"`
	AgentID    string   `json:"agent_id"`
	Owner      string   `json:"owner"`
	Recipient  string   `json:"recipient"`
	Amount     string   `json:"amount"`
	Token      string   `json:"token"`
	Chain      string   `json:"chain"`
	Status     string   `json:"status"`
	BudgetRefs []string `json:"budget_refs,omitempty"`
	TxRef      string   `json:"tx_ref,omitempty"`
	Strategy   string   `json:"strategy,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

// PaymentStats aggregates proposal counts by status.
type PaymentStats struct {
	Total     int   `json:"total"`
	Pending   int   `json:"pending"`
	Approved  int   `json:"approved"`
	Executing int   `json:"executing"`
	Executed  int   `json:"executed"`
	Failed    int   `json:"failed"`
	NewestAt  int64 `json:"newest_updated_at,omitempty"`
	OldestAt  int64 `json:"oldest_updated_at,omitempty"`
}

// ListPaymentsOptions narrows the result set of ListPayments.
type ListPaymentsOptions struct {
	AgentID  string
	Statuses []string
	Limit    int
	Offset   int
}

// BatchInstruction is a single transfer inside a batch.
type BatchInstruction struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Chain     string `json:"chain"`
}

// BatchSubmission represents the payload required to create a batch.
type BatchSubmission struct {
	BatchID string             `json:"batch_id,omitempty"`
	AgentID string             `json:"agent_id"`
	Items   []BatchInstruction `json:"items"`
}

// BatchItem is the server side view of a single batch entry.
type BatchItem struct {
	ID        string `json:"id"`
	BatchID   string `json:"batch_id"`
	Index     int    `json:"index"`
	AgentID   string `json:"agent_id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Chain     string `json:"chain"`
	Status    string `json:"status"`
	TxRef     string `json:"tx_ref,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// BatchSummary reports the outcome of one batch execution.
type BatchSummary struct {
	BatchID    string `json:"batch_id"`
	Status     string `json:"status"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	DurationMS int64  `json:"duration_ms"`
}

// BatchProgress is the live progress view of a batch.
type BatchProgress struct {
	BatchID   string      `json:"batch_id"`
	Total     int         `json:"total"`
	Pending   int         `json:"pending"`
	Claimed   int         `json:"claimed"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Done      bool        `json:"done"`
	Status    string      `json:"status,omitempty"`
	Items     []BatchItem `json:"items,omitempty"`
}

// SettlementSubmission queues a claimed settlement transaction for
// asynchronous double spend verification. Every field is required.
type SettlementSubmission struct {
	PaymentID  string `json:"paymentId"`
	OrderID    string `json:"orderId"`
	TxHash     string `json:"txHash"`
	Amount     string `json:"amount"`
	Token      string `json:"token"`
	Network    string `json:"network"`
	MerchantID string `json:"merchantId"`
}

// VerifyRequest asks the server to validate a claimed settlement transaction.
type VerifyRequest struct {
	TxRef             string `json:"tx_ref"`
	OrderID           string `json:"order_id"`
	ExpectedAmount    string `json:"expected_amount"`
	ExpectedRecipient string `json:"expected_recipient"`
	Chain             string `json:"chain"`
}

// VerifyResult is the verdict of a settlement verification.
type VerifyResult struct {
	TxRef         string `json:"tx_ref"`
	OrderID       string `json:"order_id"`
	Valid         bool   `json:"valid"`
	Layer         string `json:"layer,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Confirmations uint64 `json:"confirmations,omitempty"`
	Required      uint64 `json:"required_confirmations,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentPay Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitPayment proposes a payment. The idempotency key deduplicates retried
// submissions; pass an empty string to opt out.
func (c *Client) SubmitPayment(ctx context.Context, submission PaymentSubmission, idempotencyKey string) (Payment, error) {
	var created Payment
	headers := http.Header{}
	if idempotencyKey != "" {
		headers.Set("Idempotency-Key", idempotencyKey)
	}
	if err := c.post(ctx, "/api/v1/payments", submission, &created, headers); err != nil {
		return Payment{}, err
	}
	return created, nil
}

// GetPayment fetches a payment proposal by identifier.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	var detail Payment
	if err := c.get(ctx, "/api/v1/payments/"+url.PathEscape(paymentID), nil, &detail); err != nil {
		return Payment{}, err
	}
	return detail, nil
}

// RetryPayment requeues a failed payment proposal.
func (c *Client) RetryPayment(ctx context.Context, paymentID string) (Payment, error) {
	var detail Payment
	endpoint := "/api/v1/payments/" + url.PathEscape(paymentID) + "/retry"
	if err := c.post(ctx, endpoint, nil, &detail, nil); err != nil {
		return Payment{}, err
	}
	return detail, nil
}

// ListPayments returns payment proposals matching the given filters.
func (c *Client) ListPayments(ctx context.Context, opts ListPaymentsOptions) ([]Payment, error) {
	var payments []Payment
	if err := c.get(ctx, "/api/v1/payments", opts.values(), &payments); err != nil {
		return nil, err
	}
	return payments, nil
}

// PaymentStats returns aggregate counts for proposals matching the filters.
func (c *Client) PaymentStats(ctx context.Context, opts ListPaymentsOptions) (PaymentStats, error) {
	query := opts.values()
	query.Set("stats", "true")
	var stats PaymentStats
	if err := c.get(ctx, "/api/v1/payments", query, &stats); err != nil {
		return PaymentStats{}, err
	}
	return stats, nil
}

// CreateBatch registers a batch of transfer instructions and returns its ID.
func (c *Client) CreateBatch(ctx context.Context, submission BatchSubmission) (string, error) {
	var created struct {
		BatchID string `json:"batch_id"`
	}
	if err := c.post(ctx, "/api/v1/batches", submission, &created, nil); err != nil {
		return "", err
	}
	return created.BatchID, nil
}

// ExecuteBatch runs all pending items of a batch and reports the outcome.
func (c *Client) ExecuteBatch(ctx context.Context, batchID string) (BatchSummary, error) {
	var summary BatchSummary
	endpoint := "/api/v1/batches/" + url.PathEscape(batchID) + "/execute"
	if err := c.post(ctx, endpoint, nil, &summary, nil); err != nil {
		return BatchSummary{}, err
	}
	return summary, nil
}

// BatchStatus fetches batch progress, optionally including per-item detail.
func (c *Client) BatchStatus(ctx context.Context, batchID string, withItems bool) (BatchProgress, error) {
	query := url.Values{}
	if withItems {
		query.Set("items", "true")
	}
	var progress BatchProgress
	if err := c.get(ctx, "/api/v1/batches/"+url.PathEscape(batchID), query, &progress); err != nil {
		return BatchProgress{}, err
	}
	return progress, nil
}

// SubmitSettlement queues a claimed settlement for verification by the
// settlement worker. Malformed submissions are rejected before enqueueing.
func (c *Client) SubmitSettlement(ctx context.Context, submission SettlementSubmission) error {
	return c.post(ctx, "/api/v1/settlements", submission, nil, nil)
}

// VerifySettlement runs the double spend checks on a claimed transaction.
func (c *Client) VerifySettlement(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	var result VerifyResult
	if err := c.post(ctx, "/api/v1/verify", req, &result, nil); err != nil {
		return VerifyResult{}, err
	}
	return result, nil
}

func (o ListPaymentsOptions) values() url.Values {
	query := url.Values{}
	if o.AgentID != "" {
		query.Set("agent_id", o.AgentID)
	}
	if len(o.Statuses) > 0 {
		query.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Limit > 0 {
		query.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		query.Set("offset", strconv.Itoa(o.Offset))
	}
	return query
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any, headers http.Header) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
