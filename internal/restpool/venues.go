package restpool

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	bybit "github.com/hirokisan/bybit/v2"

	"hermes/internal/adapters/config"
	"hermes/internal/domain/virtualkey"
	"hermes/pkg/errors"
)

// Client is one authenticated REST handle to an exchange venue
type Client interface {
	Exchange() virtualkey.ExchangeType
	// ServerTime is the cheap call used for health checks
	ServerTime(ctx context.Context) (time.Time, error)
	Close()
}

// Factory builds venue clients for the pool
type Factory interface {
	Build(exchange virtualkey.ExchangeType, pair virtualkey.SecretPair, testnet bool) (Client, error)
}

// SDKFactory builds clients backed by the exchange SDKs
type SDKFactory struct {
	cfg config.ExchangesConfig
}

// NewSDKFactory creates the production client factory
func NewSDKFactory(cfg config.ExchangesConfig) *SDKFactory {
	return &SDKFactory{cfg: cfg}
}

// Build creates a fresh authenticated client for the venue
func (f *SDKFactory) Build(exchange virtualkey.ExchangeType, pair virtualkey.SecretPair, testnet bool) (Client, error) {
	switch exchange {
	case virtualkey.ExchangeBinance:
		return f.buildBinance(pair, testnet), nil
	case virtualkey.ExchangeBybit:
		return f.buildBybit(pair, testnet), nil
	default:
		return nil, errors.Wrapf(errors.ErrInvalidInput, "unsupported exchange: %s", exchange)
	}
}

func (f *SDKFactory) buildBinance(pair virtualkey.SecretPair, testnet bool) *binanceClient {
	c := binance.NewClient(pair.APIKey, pair.Secret)
	if testnet {
		c.BaseURL = f.cfg.BinanceRestTestnetURL
	} else {
		c.BaseURL = f.cfg.BinanceRestURL
	}
	return &binanceClient{c: c}
}

func (f *SDKFactory) buildBybit(pair virtualkey.SecretPair, testnet bool) *bybitClient {
	url := f.cfg.BybitRestURL
	if testnet {
		url = f.cfg.BybitRestTestnetURL
	}
	c := bybit.NewClient().WithAuth(pair.APIKey, pair.Secret).WithBaseURL(url)
	return &bybitClient{c: c}
}

// binanceClient wraps the go-binance SDK client
type binanceClient struct {
	c *binance.Client
}

func (b *binanceClient) Exchange() virtualkey.ExchangeType {
	return virtualkey.ExchangeBinance
}

func (b *binanceClient) ServerTime(ctx context.Context) (time.Time, error) {
	ms, err := b.c.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, errors.Wrap(errors.ErrConnect, err.Error())
	}
	return time.UnixMilli(ms), nil
}

func (b *binanceClient) Close() {
	// The SDK rides on the default http.Client; nothing to release
}

// SDK returns the underlying go-binance client for venue-specific calls
func (b *binanceClient) SDK() *binance.Client {
	return b.c
}

// bybitClient wraps the hirokisan/bybit SDK client
type bybitClient struct {
	c *bybit.Client
}

func (b *bybitClient) Exchange() virtualkey.ExchangeType {
	return virtualkey.ExchangeBybit
}

func (b *bybitClient) ServerTime(ctx context.Context) (time.Time, error) {
	resp, err := b.c.NewTimeService().GetServerTime()
	if err != nil {
		return time.Time{}, errors.Wrap(errors.ErrConnect, err.Error())
	}

	sec, err := strconv.ParseInt(resp.Result.TimeSecond, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "unexpected server time payload")
	}
	return time.Unix(sec, 0), nil
}

func (b *bybitClient) Close() {}

// SDK returns the underlying bybit client for venue-specific calls
func (b *bybitClient) SDK() *bybit.Client {
	return b.c
}
