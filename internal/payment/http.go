package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/cenkalti/backoff/v4"
)

const (
	headerAuthorization   = "Authorization"
	headerContentType     = "Content-Type"
	contentTypeJSON       = "application/json"
	pathPayments          = "/payments"
	pathRefundsSuffix     = "/refunds"
	defaultRequestTimeout = 15 * time.Second
	defaultRefundRetries  = 3
	maxResponseBytes      = 64 << 10
)

// ErrInvalidGatewayConfig reports a gateway constructed without a base URL.
var ErrInvalidGatewayConfig = errors.New("invalid payment gateway config")

// HTTPConfig configures HTTPGateway.
type HTTPConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RefundRetries uint64
}

// HTTPGateway talks JSON to an external payment provider.
type HTTPGateway struct {
	baseURL       string
	apiKey        string
	client        *http.Client
	refundRetries uint64
}

// NewHTTPGateway validates config and returns a gateway.
func NewHTTPGateway(config HTTPConfig) (*HTTPGateway, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidGatewayConfig)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGatewayConfig, err)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	retries := config.RefundRetries
	if retries == 0 {
		retries = defaultRefundRetries
	}
	return &HTTPGateway{
		baseURL:       baseURL,
		apiKey:        strings.TrimSpace(config.APIKey),
		client:        &http.Client{Timeout: timeout},
		refundRetries: retries,
	}, nil
}

type chargeRequest struct {
	AmountCents int64           `json:"amountCents"`
	Currency    string          `json:"currency"`
	Method      string          `json:"method"`
	Data        map[string]any  `json:"data,omitempty"`
	Metadata    ledger.Metadata `json:"metadata,omitempty"`
}

type chargeResponse struct {
	Success      bool   `json:"success"`
	Reference    string `json:"reference"`
	Method       string `json:"method"`
	Confirmation string `json:"confirmation"`
	Error        string `json:"error"`
	ErrorCode    string `json:"errorCode"`
}

type refundRequest struct {
	AmountCents int64 `json:"amountCents,omitempty"`
}

type statusResponse struct {
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

// ProcessPayment implements ledger.PaymentGateway. Declines come back as Success=false, not as errors.
// Charges are never retried.
func (gateway *HTTPGateway) ProcessPayment(ctx context.Context, request ledger.PaymentRequest) (ledger.PaymentResult, error) {
	var response chargeResponse
	status, err := gateway.do(ctx, http.MethodPost, pathPayments, chargeRequest{
		AmountCents: request.AmountCents,
		Currency:    request.Currency,
		Method:      request.Method,
		Data:        request.Data,
		Metadata:    request.Metadata,
	}, &response)
	if err != nil {
		return ledger.PaymentResult{}, err
	}
	if status == http.StatusPaymentRequired || (status >= 200 && status < 300) {
		return ledger.PaymentResult{
			Success:      response.Success && status != http.StatusPaymentRequired,
			Reference:    response.Reference,
			Method:       response.Method,
			Confirmation: response.Confirmation,
			Error:        response.Error,
			ErrorCode:    response.ErrorCode,
		}, nil
	}
	return ledger.PaymentResult{}, fmt.Errorf("payment provider returned status %d: %s", status, response.Error)
}

// RefundPayment implements ledger.PaymentGateway, retrying transient failures.
func (gateway *HTTPGateway) RefundPayment(ctx context.Context, reference string, amountCents int64) error {
	path := pathPayments + "/" + url.PathEscape(reference) + pathRefundsSuffix
	operation := func() error {
		var response chargeResponse
		status, err := gateway.do(ctx, http.MethodPost, path, refundRequest{AmountCents: amountCents}, &response)
		if err != nil {
			return err
		}
		if status >= 200 && status < 300 {
			return nil
		}
		statusError := fmt.Errorf("refund returned status %d: %s", status, response.Error)
		if status >= 500 || status == http.StatusTooManyRequests {
			return statusError
		}
		return backoff.Permanent(statusError)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), gateway.refundRetries), ctx)
	return backoff.Retry(operation, policy)
}

// PaymentStatus implements ledger.PaymentGateway.
func (gateway *HTTPGateway) PaymentStatus(ctx context.Context, reference string) (ledger.PaymentState, error) {
	var response statusResponse
	status, err := gateway.do(ctx, http.MethodGet, pathPayments+"/"+url.PathEscape(reference), nil, &response)
	if err != nil {
		return ledger.PaymentState{}, err
	}
	if status == http.StatusNotFound {
		return ledger.PaymentState{}, fmt.Errorf("%w: %s", ErrUnknownPayment, reference)
	}
	if status < 200 || status >= 300 {
		return ledger.PaymentState{}, fmt.Errorf("payment status returned %d", status)
	}
	return ledger.PaymentState{
		Reference:   response.Reference,
		Status:      response.Status,
		AmountCents: response.AmountCents,
		Currency:    response.Currency,
	}, nil
}

func (gateway *HTTPGateway) do(ctx context.Context, method string, path string, body any, target any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode payment request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, gateway.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build payment request: %w", err)
	}
	if body != nil {
		request.Header.Set(headerContentType, contentTypeJSON)
	}
	if gateway.apiKey != "" {
		request.Header.Set(headerAuthorization, "Bearer "+gateway.apiKey)
	}
	response, err := gateway.client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("call payment provider: %w", err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return response.StatusCode, fmt.Errorf("read payment response: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 || target == nil {
		return response.StatusCode, nil
	}
	if err := json.Unmarshal(payload, target); err != nil && response.StatusCode < 300 {
		return response.StatusCode, fmt.Errorf("decode payment response: %w", err)
	}
	return response.StatusCode, nil
}
