package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/google/uuid"
)

const (
	// DemoDeclineMethod is the payment method the demo gateway always declines.
	DemoDeclineMethod = "decline"

	demoReferencePrefix  = "demo_"
	demoConfirmPrefix    = "DEMO-"
	statusSucceeded      = "succeeded"
	statusRefunded       = "refunded"
	declineErrorCode     = "card_declined"
	declineErrorMessage  = "card declined"
	defaultPaymentMethod = "card"
	confirmationLength   = 8
)

var (
	// ErrUnknownPayment reports a reference the gateway never issued.
	ErrUnknownPayment = errors.New("unknown payment reference")
	// ErrRefundExceedsCharge reports a refund larger than the remaining charge.
	ErrRefundExceedsCharge = errors.New("refund exceeds charge")
)

// DemoGateway approves every charge except DemoDeclineMethod and keeps state in memory.
type DemoGateway struct {
	mu       sync.Mutex
	payments map[string]ledger.PaymentState
}

// NewDemoGateway returns an empty demo gateway.
func NewDemoGateway() *DemoGateway {
	return &DemoGateway{payments: map[string]ledger.PaymentState{}}
}

// ProcessPayment implements ledger.PaymentGateway.
func (gateway *DemoGateway) ProcessPayment(ctx context.Context, request ledger.PaymentRequest) (ledger.PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return ledger.PaymentResult{}, err
	}
	method := strings.ToLower(strings.TrimSpace(request.Method))
	if method == "" {
		method = defaultPaymentMethod
	}
	if method == DemoDeclineMethod {
		return ledger.PaymentResult{Success: false, Method: method, Error: declineErrorMessage, ErrorCode: declineErrorCode}, nil
	}
	reference := demoReferencePrefix + uuid.NewString()
	gateway.mu.Lock()
	gateway.payments[reference] = ledger.PaymentState{
		Reference:   reference,
		Status:      statusSucceeded,
		AmountCents: request.AmountCents,
		Currency:    request.Currency,
	}
	gateway.mu.Unlock()
	return ledger.PaymentResult{
		Success:      true,
		Reference:    reference,
		Method:       method,
		Confirmation: demoConfirmPrefix + strings.ToUpper(strings.ReplaceAll(reference[len(demoReferencePrefix):], "-", "")[:confirmationLength]),
	}, nil
}

// RefundPayment implements ledger.PaymentGateway. A zero amount refunds the whole charge.
func (gateway *DemoGateway) RefundPayment(_ context.Context, reference string, amountCents int64) error {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	state, ok := gateway.payments[reference]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPayment, reference)
	}
	if amountCents > state.AmountCents {
		return fmt.Errorf("%w: %d > %d", ErrRefundExceedsCharge, amountCents, state.AmountCents)
	}
	state.Status = statusRefunded
	gateway.payments[reference] = state
	return nil
}

// PaymentStatus implements ledger.PaymentGateway.
func (gateway *DemoGateway) PaymentStatus(_ context.Context, reference string) (ledger.PaymentState, error) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	state, ok := gateway.payments[reference]
	if !ok {
		return ledger.PaymentState{}, fmt.Errorf("%w: %s", ErrUnknownPayment, reference)
	}
	return state, nil
}
