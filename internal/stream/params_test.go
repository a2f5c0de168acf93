package stream

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"hermes/internal/secrets"
)

func TestParamSet_Formatting(t *testing.T) {
	yes, no := true, false
	price := decimal.RequireFromString("0.10")

	p := newParamSet().
		add("symbol", "BTCUSDT").
		addBool("a", &yes).
		addBool("b", &no).
		addBool("c", nil).
		addDecimal("price", &price).
		addDecimal("stopPrice", nil).
		addInt("ts", 1700000000000).
		addList("symbols", []string{"BTCUSDT", "ETHUSDT"}).
		addList("empty", nil).
		addString("blank", "")

	assert.Equal(t, []secrets.Param{
		{Key: "symbol", Value: "BTCUSDT"},
		{Key: "a", Value: "TRUE"},
		{Key: "b", Value: "FALSE"},
		{Key: "price", Value: "0.1"},
		{Key: "ts", Value: "1700000000000"},
		{Key: "symbols", Value: "BTCUSDT,ETHUSDT"},
	}, p.ordered(), "nil, empty-list and blank values are omitted")

	m := p.toMap()
	assert.Equal(t, "TRUE", m["a"])
	assert.NotContains(t, m, "c")
}

func TestOrderRequest_Validate(t *testing.T) {
	valid := OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     "SELL",
		Type:     "MARKET",
		Quantity: decimal.RequireFromString("1"),
	}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.Side = "HODL"
	assert.Error(t, bad.Validate())

	bad = valid
	bad.Quantity = decimal.Zero
	assert.Error(t, bad.Validate())

	bad = valid
	bad.Symbol = ""
	assert.Error(t, bad.Validate())
}

func TestCancelRequest_Validate(t *testing.T) {
	assert.Error(t, CancelRequest{Symbol: "BTCUSDT"}.Validate())
	assert.NoError(t, CancelRequest{Symbol: "BTCUSDT", OrderID: 1}.Validate())
	assert.NoError(t, CancelRequest{Symbol: "BTCUSDT", ClientOrderID: "x"}.Validate())

	p := CancelRequest{Symbol: "BTCUSDT", OrderID: 42}.toParams().toMap()
	assert.Equal(t, "42", p["orderId"])
	assert.NotContains(t, p, "origClientOrderId")
}
