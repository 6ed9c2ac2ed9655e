package ledger

import (
	"errors"
	"strings"
	"testing"
)

func TestInsufficientTokensErrorMatchesSentinel(test *testing.T) {
	test.Parallel()
	err := newInsufficientTokensError(mustOwner(test, userIDValue).UserID(), 2, mustTokenAmount(test, 5))
	if !errors.Is(err, ErrInsufficientTokens) {
		test.Fatalf("expected sentinel match")
	}
	if errors.Is(err, ErrPaymentFailed) {
		test.Fatalf("unexpected sentinel match")
	}
	if !strings.Contains(err.Error(), "has 2, requested 5") {
		test.Fatalf("unexpected message %q", err.Error())
	}
}

func TestPaymentFailureErrorMessage(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		failure *PaymentFailureError
		want    string
	}{
		{name: "with code", failure: &PaymentFailureError{Reason: "card declined", Code: "card_declined"}, want: "payment failed: card declined (card_declined)"},
		{name: "without code", failure: &PaymentFailureError{Reason: "card declined"}, want: "payment failed: card declined"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if testCase.failure.Error() != testCase.want {
				test.Fatalf(errorMismatchMessage, testCase.want, testCase.failure.Error())
			}
			if !errors.Is(testCase.failure, ErrPaymentFailed) {
				test.Fatalf("expected sentinel match")
			}
		})
	}
}

func TestWrapErrorKeepsCauseAndCode(test *testing.T) {
	test.Parallel()
	if WrapError("store", "balance", "find", nil) != nil {
		test.Fatalf("wrapping nil must return nil")
	}
	err := WrapError("store", "balance", "find", ErrBalanceNotFound)
	if !errors.Is(err, ErrBalanceNotFound) {
		test.Fatalf("expected wrapped sentinel")
	}
	var operationError OperationError
	if !errors.As(err, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Operation() != "store" || operationError.Subject() != "balance" || operationError.Code() != "find" {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
	if err.Error() != "store.balance.find: balance not found" {
		test.Fatalf("unexpected message %q", err.Error())
	}
}
