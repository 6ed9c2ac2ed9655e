package httpapi

import (
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
)

const paymentMethodKey = "method"

type purchaseRequest struct {
	PackageID   string         `json:"packageId"`
	PaymentData map[string]any `json:"paymentData"`
	Metadata    map[string]any `json:"metadata"`
}

// paymentDetails splits the method out of the opaque payment data.
func (request purchaseRequest) paymentDetails() ledger.PaymentDetails {
	details := ledger.PaymentDetails{Data: map[string]any{}}
	for key, value := range request.PaymentData {
		if key == paymentMethodKey {
			if method, ok := value.(string); ok {
				details.Method = method
			}
			continue
		}
		details.Data[key] = value
	}
	return details
}

type grantRequest struct {
	UserID     string         `json:"userId"`
	UserType   string         `json:"userType"`
	UserTypeID string         `json:"userTypeId"`
	Amount     int64          `json:"amount"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata"`
}

type balancePayload struct {
	UserID         string     `json:"userId"`
	UserType       string     `json:"userType,omitempty"`
	UserTypeID     string     `json:"userTypeId,omitempty"`
	Balance        int64      `json:"balance"`
	TotalPurchased int64      `json:"totalPurchased"`
	TotalConsumed  int64      `json:"totalConsumed"`
	TotalGranted   int64      `json:"totalGranted"`
	LastPurchaseAt *time.Time `json:"lastPurchaseAt,omitempty"`
}

func newBalancePayload(balance ledger.Balance) balancePayload {
	return balancePayload{
		UserID:         balance.Owner.UserID().String(),
		UserType:       balance.Owner.UserType(),
		UserTypeID:     balance.Owner.UserTypeID(),
		Balance:        balance.Balance,
		TotalPurchased: balance.TotalPurchased,
		TotalConsumed:  balance.TotalConsumed,
		TotalGranted:   balance.TotalGranted,
		LastPurchaseAt: balance.LastPurchaseAt,
	}
}

type transactionPayload struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceBefore int64           `json:"balanceBefore"`
	BalanceAfter  int64           `json:"balanceAfter"`
	Status        string          `json:"status"`
	Metadata      ledger.Metadata `json:"metadata"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	metadata := transaction.Metadata
	if metadata == nil {
		metadata = ledger.Metadata{}
	}
	return transactionPayload{
		ID:            transaction.ID.String(),
		Type:          transaction.Type.String(),
		Amount:        transaction.Amount,
		BalanceBefore: transaction.BalanceBefore,
		BalanceAfter:  transaction.BalanceAfter,
		Status:        transaction.Status.String(),
		Metadata:      metadata,
		CreatedAt:     transaction.CreatedAt,
	}
}

type packagePayload struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Tokens     int64  `json:"tokens"`
	PriceCents int64  `json:"priceCents"`
	Currency   string `json:"currency"`
}

func newPackagePayload(tokenPackage ledger.Package) packagePayload {
	return packagePayload{
		ID:         tokenPackage.ID.String(),
		Name:       tokenPackage.Name,
		Tokens:     tokenPackage.Tokens.Int64(),
		PriceCents: tokenPackage.PriceCents,
		Currency:   tokenPackage.Currency,
	}
}
