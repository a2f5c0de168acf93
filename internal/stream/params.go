package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"hermes/internal/secrets"
)

// Wire formatting rules for request parameters: booleans render as
// uppercase TRUE/FALSE, numeric order fields as decimal strings (never
// binary floats), lists as comma-joined strings, nil or unset fields are
// omitted entirely before signing.

// paramSet accumulates parameters in insertion order, dropping unset
// values, so the same snapshot feeds both the signature and the frame.
type paramSet struct {
	params []secrets.Param
}

func newParamSet() *paramSet {
	return &paramSet{}
}

func (p *paramSet) add(key, value string) *paramSet {
	p.params = append(p.params, secrets.Param{Key: key, Value: value})
	return p
}

func (p *paramSet) addBool(key string, value *bool) *paramSet {
	if value == nil {
		return p
	}
	if *value {
		return p.add(key, "TRUE")
	}
	return p.add(key, "FALSE")
}

func (p *paramSet) addDecimal(key string, value *decimal.Decimal) *paramSet {
	if value == nil {
		return p
	}
	return p.add(key, value.String())
}

func (p *paramSet) addInt(key string, value int64) *paramSet {
	return p.add(key, strconv.FormatInt(value, 10))
}

func (p *paramSet) addList(key string, values []string) *paramSet {
	if len(values) == 0 {
		return p
	}
	return p.add(key, strings.Join(values, ","))
}

func (p *paramSet) addString(key, value string) *paramSet {
	if value == "" {
		return p
	}
	return p.add(key, value)
}

// ordered returns the snapshot for signing
func (p *paramSet) ordered() []secrets.Param {
	return p.params
}

// toMap renders the set as a JSON params object
func (p *paramSet) toMap() map[string]interface{} {
	m := make(map[string]interface{}, len(p.params))
	for _, param := range p.params {
		m[param.Key] = param.Value
	}
	return m
}

// OrderRequest describes an order to place over the stream
type OrderRequest struct {
	Symbol        string
	Side          string // BUY or SELL
	Type          string // LIMIT, MARKET, STOP_LOSS_LIMIT, ...
	TimeInForce   string
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	StopPrice     *decimal.Decimal
	ClientOrderID string
	ReduceOnly    *bool
}

// Validate checks the request before it goes on the wire
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Side != "BUY" && r.Side != "SELL" {
		return fmt.Errorf("side must be BUY or SELL, got %q", r.Side)
	}
	if r.Type == "" {
		return fmt.Errorf("order type is required")
	}
	if r.Quantity.IsZero() || r.Quantity.IsNegative() {
		return fmt.Errorf("quantity must be positive, got %s", r.Quantity)
	}
	return nil
}

// toParams renders the order in protocol parameter order
func (r OrderRequest) toParams() *paramSet {
	p := newParamSet().
		add("symbol", r.Symbol).
		add("side", r.Side).
		add("type", r.Type).
		addString("timeInForce", r.TimeInForce).
		add("quantity", r.Quantity.String()).
		addDecimal("price", r.Price).
		addDecimal("stopPrice", r.StopPrice).
		addString("newClientOrderId", r.ClientOrderID).
		addBool("reduceOnly", r.ReduceOnly)
	return p
}

// CancelRequest identifies an order to cancel, by exchange ID or by the
// client-assigned ID
type CancelRequest struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
}

// Validate checks the request before it goes on the wire
func (r CancelRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.OrderID == 0 && r.ClientOrderID == "" {
		return fmt.Errorf("either orderId or clientOrderId is required")
	}
	return nil
}

func (r CancelRequest) toParams() *paramSet {
	p := newParamSet().add("symbol", r.Symbol)
	if r.OrderID != 0 {
		p.addInt("orderId", r.OrderID)
	}
	p.addString("origClientOrderId", r.ClientOrderID)
	return p
}
