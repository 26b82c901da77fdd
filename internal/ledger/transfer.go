package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// quantityPrecision is the number of decimals the network accepts for token quantities.
const quantityPrecision = 3

// TransferRequest describes a customer payment to be signed and broadcast by the customer's wallet.
type TransferRequest struct {
	From   string
	To     string
	Symbol string
	Amount string
	Memo   string
}

// SignableOperation is a network-submittable token transfer.
type SignableOperation struct {
	ID            string   `json:"id"`
	RequiredAuths []string `json:"required_auths"`
	JSON          string   `json:"json"`
}

type contractCall struct {
	ContractName    string  `json:"contractName"`
	ContractAction  string  `json:"contractAction"`
	ContractPayload payload `json:"contractPayload"`
}

// BuildTransfer validates the amount before building anything.
func BuildTransfer(req TransferRequest) (SignableOperation, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return SignableOperation{}, fmt.Errorf("%w: %q", ErrInvalidAmount, req.Amount)
	}
	if !amount.IsPositive() {
		return SignableOperation{}, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Truncate(quantityPrecision)) {
		return SignableOperation{}, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, amount, quantityPrecision)
	}
	if req.To == "" || req.Symbol == "" {
		return SignableOperation{}, errors.New("recipient and symbol are required")
	}

	body, err := json.Marshal(contractCall{
		ContractName:   "tokens",
		ContractAction: "transfer",
		ContractPayload: payload{
			To:       req.To,
			Symbol:   req.Symbol,
			Quantity: amount.StringFixed(quantityPrecision),
			Memo:     req.Memo,
		},
	})
	if err != nil {
		return SignableOperation{}, err
	}

	op := SignableOperation{ID: "ssc-mainnet-hive", JSON: string(body)}
	if req.From != "" {
		op.RequiredAuths = []string{req.From}
	}
	return op, nil
}
