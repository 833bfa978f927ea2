package pricing

import (
	"errors"
	"testing"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

func req(action models.Action, params map[string]interface{}) models.TransactionRequest {
	return models.TransactionRequest{ID: "r1", Action: action, Params: params}
}

func TestEstimateFromTable(t *testing.T) {
	table := NewStaticTable(DefaultPrices())

	cases := []struct {
		name   string
		req    models.TransactionRequest
		wantUSD float64
	}{
		{"transfer eth", req(models.ActionTransfer, map[string]interface{}{"amount": 0.5, "token": "ETH"}), 1500},
		{"swap fromToken", req(models.ActionSwap, map[string]interface{}{"amount": 200.0, "fromToken": "usdc"}), 200},
		{"string amount", req(models.ActionTransfer, map[string]interface{}{"amount": "2", "token": "SOL"}), 300},
	}
	for _, tc := range cases {
		got, err := table.EstimateUSD(tc.req)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.wantUSD {
			t.Fatalf("%s: got $%.2f want $%.2f", tc.name, got, tc.wantUSD)
		}
	}
}

func TestSignMessageIsFree(t *testing.T) {
	table := NewStaticTable(DefaultPrices())
	r := req(models.ActionSignMessage, map[string]interface{}{"message": "hello"})
	r.EstimatedValueUSD = 9999
	got, err := table.EstimateUSD(r)
	if err != nil || got != 0 {
		t.Fatalf("sign_message must estimate to zero, got %.2f %v", got, err)
	}
}

func TestUnknownTokenFails(t *testing.T) {
	table := NewStaticTable(DefaultPrices())
	_, err := table.EstimateUSD(req(models.ActionTransfer, map[string]interface{}{"amount": 1.0, "token": "SHIB"}))
	var unknown *ErrUnknownToken
	if !errors.As(err, &unknown) || unknown.Token != "SHIB" {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestAmountWithoutTokenFails(t *testing.T) {
	table := NewStaticTable(DefaultPrices())
	if _, err := table.EstimateUSD(req(models.ActionTransfer, map[string]interface{}{"amount": 1.0})); err == nil {
		t.Fatal("amount without token must not be priceable")
	}
}

func TestProposerValueIsNeverTrusted(t *testing.T) {
	table := NewStaticTable(DefaultPrices())
	r := req(models.ActionDeployToken, map[string]interface{}{"name": "TestCoin"})
	r.EstimatedValueUSD = 50
	if _, err := table.EstimateUSD(r); err == nil {
		t.Fatal("deploy without a priceable amount must not fall back to the proposer's figure")
	}
}

func TestUnpriceableValueBearingFails(t *testing.T) {
	table := NewStaticTable(DefaultPrices())
	if _, err := table.EstimateUSD(req(models.ActionTransfer, nil)); err == nil {
		t.Fatal("value-bearing request with nothing to price must error")
	}
}
