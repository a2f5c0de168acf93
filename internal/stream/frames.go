package stream

import (
	jsoniter "github.com/json-iterator/go"

	"hermes/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WebSocket trading API methods
const (
	methodLogon          = "session.logon"
	methodOrderPlace     = "order.place"
	methodOrderCancel    = "order.cancel"
	methodAccountStatus  = "account.status"
	methodAccountBalance = "v2/account.balance"
)

// requestFrame is an outbound RPC frame
type requestFrame struct {
	ID     string                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// responseFrame is an inbound frame correlated by ID. Frames without an
// ID (stream events, server notices) are not RPC responses.
type responseFrame struct {
	ID     string              `json:"id"`
	Status int                 `json:"status,omitempty"`
	Result jsoniter.RawMessage `json:"result,omitempty"`
	Error  *apiErrorBody       `json:"error,omitempty"`
}

type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// err converts the frame's error object into a typed error, nil when the
// frame carries a result
func (f *responseFrame) err() error {
	if f.Error == nil {
		return nil
	}
	return &errors.APIError{Code: f.Error.Code, Msg: f.Error.Msg}
}

// OrderAck is the exchange's acknowledgement of a placed or cancelled order
type OrderAck struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	TransactTime  int64  `json:"transactTime,omitempty"`
}

// Balance is one asset entry from v2/account.balance
type Balance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// AccountStatus is the trading-account snapshot from account.status
type AccountStatus struct {
	CanTrade    bool      `json:"canTrade"`
	CanWithdraw bool      `json:"canWithdraw"`
	CanDeposit  bool      `json:"canDeposit"`
	AccountType string    `json:"accountType"`
	Balances    []Balance `json:"balances"`
	UpdateTime  int64     `json:"updateTime"`
}
