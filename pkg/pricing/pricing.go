// Package pricing estimates the USD value of a transaction request on
// the guard side. The reasoning layer's own estimate is advisory only;
// policy evaluation always runs against a value computed here.
package pricing

import (
	"fmt"
	"strings"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

// Estimator computes the USD value of a request. Implementations must
// be safe for concurrent use.
type Estimator interface {
	EstimateUSD(req models.TransactionRequest) (float64, error)
}

// ErrUnknownToken reports a token with no configured price.
type ErrUnknownToken struct {
	Token string
}

func (e *ErrUnknownToken) Error() string {
	return fmt.Sprintf("no price configured for token %q", e.Token)
}

// StaticTable prices requests from a fixed token -> USD-per-unit map.
// Keys are matched case-insensitively.
type StaticTable struct {
	prices map[string]float64
}

// DefaultPrices covers the tokens the mock dispatcher understands.
// Production deployments load their own table from config.
func DefaultPrices() map[string]float64 {
	return map[string]float64{
		"ETH":  3000,
		"WETH": 3000,
		"SOL":  150,
		"USDC": 1,
		"USDT": 1,
		"DAI":  1,
	}
}

func NewStaticTable(prices map[string]float64) *StaticTable {
	normalized := make(map[string]float64, len(prices))
	for token, usd := range prices {
		normalized[strings.ToUpper(token)] = usd
	}
	return &StaticTable{prices: normalized}
}

// EstimateUSD resolves the request's amount and token against the
// table. Actions that carry no value (sign_message) estimate to zero.
// A value-bearing request with an unpriceable token is an error so the
// caller can refuse rather than guess.
func (s *StaticTable) EstimateUSD(req models.TransactionRequest) (float64, error) {
	if !ValueBearing(req.Action) {
		return 0, nil
	}
	amount, ok := req.ParamFloat("amount")
	if !ok {
		return 0, fmt.Errorf("request %s has no amount to price", req.ID)
	}

	token, ok := req.ParamString("token")
	if !ok {
		token, ok = req.ParamString("fromToken")
	}
	if !ok {
		return 0, fmt.Errorf("request %s has an amount but no token", req.ID)
	}

	usd, ok := s.prices[strings.ToUpper(token)]
	if !ok {
		return 0, &ErrUnknownToken{Token: token}
	}
	return amount * usd, nil
}

// ValueBearing reports whether an action moves value and therefore
// requires a price before policy evaluation.
func ValueBearing(action models.Action) bool {
	switch action {
	case models.ActionSwap, models.ActionTransfer, models.ActionDeployToken:
		return true
	}
	return false
}
