package connmgr

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"hermes/internal/adapters/config"
	"hermes/internal/domain/virtualkey"
	"hermes/internal/events"
	"hermes/internal/metrics"
	"hermes/internal/restpool"
	"hermes/internal/services/credentials"
	"hermes/internal/stream"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// Kind selects the connection flavor to acquire
type Kind string

const (
	KindStream Kind = "stream"
	KindRest   Kind = "rest"
)

// AcquireRequest identifies whose connection is wanted and through which
// virtual key
type AcquireRequest struct {
	UserID       uuid.UUID
	VirtualKeyID uuid.UUID
	Exchange     virtualkey.ExchangeType
	Testnet      bool
}

// Manager is the façade callers go through for exchange connectivity.
// It resolves credentials, then hands out the per-user stream client or
// pooled REST handle, creating each at most once under concurrent
// first-use thanks to a per-key mutex.
type Manager struct {
	resolver  *credentials.Service
	pool      *restpool.Pool
	streamCfg config.StreamConfig
	exchanges config.ExchangesConfig
	events    *events.Publisher

	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex

	streamMu sync.Mutex
	streams  map[string]*stream.Client

	logger *logger.Logger
}

// NewManager creates the connection manager
func NewManager(
	resolver *credentials.Service,
	pool *restpool.Pool,
	streamCfg config.StreamConfig,
	exchanges config.ExchangesConfig,
	publisher *events.Publisher,
	log *logger.Logger,
) *Manager {
	return &Manager{
		resolver:  resolver,
		pool:      pool,
		streamCfg: streamCfg,
		exchanges: exchanges,
		events:    publisher,
		keyLocks:  make(map[string]*sync.Mutex),
		streams:   make(map[string]*stream.Client),
		logger:    log.With("component", "connmgr"),
	}
}

// lockFor returns the mutex serializing all acquisitions for one
// (userID, exchange, kind) tuple
func (m *Manager) lockFor(key string) *sync.Mutex {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()

	if mu, ok := m.keyLocks[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.keyLocks[key] = mu
	return mu
}

func connKey(userID uuid.UUID, exchange virtualkey.ExchangeType, kind Kind) string {
	return userID.String() + ":" + exchange.String() + ":" + string(kind)
}

// Acquire resolves credentials and returns the connection of the
// requested kind. isNew reports whether this call built it.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest, kind Kind) (interface{}, bool, error) {
	switch kind {
	case KindStream:
		return m.AcquireStream(ctx, req)
	case KindRest:
		client, isNew, err := m.AcquireRest(ctx, req)
		return client, isNew, err
	default:
		return nil, false, errors.Wrapf(errors.ErrInvalidInput, "unknown connection kind: %s", kind)
	}
}

// AcquireStream returns the live stream client for (userID, exchange),
// establishing one when absent or closed
func (m *Manager) AcquireStream(ctx context.Context, req AcquireRequest) (client *stream.Client, isNew bool, err error) {
	defer func() { metrics.RecordAcquire(string(KindStream), req.Exchange.String(), err) }()

	if !req.Exchange.Valid() {
		return nil, false, errors.Wrapf(errors.ErrInvalidInput, "unknown exchange: %s", req.Exchange)
	}

	key := connKey(req.UserID, req.Exchange, KindStream)
	mu := m.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	m.streamMu.Lock()
	existing := m.streams[key]
	m.streamMu.Unlock()

	if existing != nil {
		if existing.State() != stream.StateClosed {
			return existing, false, nil
		}
		// Terminal client, evict so a fresh one is built below
		m.streamMu.Lock()
		delete(m.streams, key)
		m.streamMu.Unlock()
	}

	pair, record, err := m.resolver.Resolve(ctx, req.UserID, req.VirtualKeyID, virtualkey.KindEd25519, credentials.OpTrade)
	if err != nil {
		return nil, false, err
	}
	if err := m.resolver.CheckRateLimit(record); err != nil {
		return nil, false, err
	}

	url, err := m.streamURL(req.Exchange, req.Testnet)
	if err != nil {
		return nil, false, err
	}

	c := stream.NewClient(url, pair, m.streamCfg, m.logger)
	m.watchStream(key, req, c)

	if err := c.Connect(ctx); err != nil {
		return nil, false, err
	}

	m.streamMu.Lock()
	m.streams[key] = c
	m.streamMu.Unlock()

	m.events.Publish(ctx, events.TypeStreamConnected, req.UserID, req.Exchange.String(), "")
	m.logger.Infow("Stream client established",
		"user_id", req.UserID,
		"exchange", req.Exchange,
	)

	return c, true, nil
}

// watchStream registers the state-change hook publishing lifecycle
// events and evicting the client once it turns terminal
func (m *Manager) watchStream(key string, req AcquireRequest, c *stream.Client) {
	var mu sync.Mutex
	prev := stream.StateDisconnected

	c.SetOnStateChange(func(s stream.State) {
		mu.Lock()
		p := prev
		prev = s
		mu.Unlock()

		if s == stream.StateReady && p != stream.StateReady {
			metrics.StreamConnections.WithLabelValues(req.Exchange.String(), "ready").Inc()
		}
		if p == stream.StateReady && s != stream.StateReady {
			metrics.StreamConnections.WithLabelValues(req.Exchange.String(), "ready").Dec()
		}

		ctx := context.Background()
		switch s {
		case stream.StateReady:
			m.events.Publish(ctx, events.TypeStreamReady, req.UserID, req.Exchange.String(), "")
		case stream.StateReconnecting:
			metrics.StreamReconnects.WithLabelValues(req.Exchange.String()).Inc()
			m.events.Publish(ctx, events.TypeStreamReconnecting, req.UserID, req.Exchange.String(), "")
		case stream.StateClosed:
			m.events.Publish(ctx, events.TypeStreamClosed, req.UserID, req.Exchange.String(), "")
			m.evictStream(key, c)
		}
	})
}

// evictStream removes a terminal client so the next acquisition builds a
// fresh one
func (m *Manager) evictStream(key string, c *stream.Client) {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	if m.streams[key] == c {
		delete(m.streams, key)
	}
}

// AcquireRest returns the pooled REST client for (userID, exchange),
// transparently refreshing an unhealthy one
func (m *Manager) AcquireRest(ctx context.Context, req AcquireRequest) (client restpool.Client, isNew bool, err error) {
	defer func() { metrics.RecordAcquire(string(KindRest), req.Exchange.String(), err) }()

	if !req.Exchange.Valid() {
		return nil, false, errors.Wrapf(errors.ErrInvalidInput, "unknown exchange: %s", req.Exchange)
	}

	key := connKey(req.UserID, req.Exchange, KindRest)
	mu := m.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	pair, record, err := m.resolver.Resolve(ctx, req.UserID, req.VirtualKeyID, virtualkey.KindHMAC, credentials.OpRead)
	if err != nil {
		return nil, false, err
	}
	if err := m.resolver.CheckRateLimit(record); err != nil {
		return nil, false, err
	}

	existed := m.pool.Has(req.UserID, req.Exchange)
	if existed && !m.pool.CheckHealth(ctx, req.UserID, req.Exchange) {
		m.logger.Warnw("Pooled REST client unhealthy, refreshing",
			"user_id", req.UserID,
			"exchange", req.Exchange,
		)
		c, err := m.pool.Refresh(ctx, req.UserID, req.Exchange, pair, req.Testnet)
		if err != nil {
			return nil, false, err
		}
		m.events.Publish(ctx, events.TypeRestClientBuilt, req.UserID, req.Exchange.String(), "refresh")
		return c, true, nil
	}

	c, err := m.pool.Get(ctx, req.UserID, req.Exchange, pair, req.Testnet)
	if err != nil {
		return nil, false, err
	}

	if !existed {
		m.events.Publish(ctx, events.TypeRestClientBuilt, req.UserID, req.Exchange.String(), "")
	}
	return c, !existed, nil
}

func (m *Manager) streamURL(exchange virtualkey.ExchangeType, testnet bool) (string, error) {
	switch exchange {
	case virtualkey.ExchangeBinance:
		if testnet {
			return m.exchanges.BinanceWSAPITestnetURL, nil
		}
		return m.exchanges.BinanceWSAPIURL, nil
	default:
		return "", errors.Wrapf(errors.ErrInvalidInput, "stream connections are not supported for %s", exchange)
	}
}

// CleanupAll disconnects every stream client and drains the REST pool.
// Called on process shutdown.
func (m *Manager) CleanupAll() {
	m.streamMu.Lock()
	clients := make([]*stream.Client, 0, len(m.streams))
	for key, c := range m.streams {
		clients = append(clients, c)
		delete(m.streams, key)
	}
	m.streamMu.Unlock()

	for _, c := range clients {
		if err := c.Disconnect(); err != nil {
			m.logger.Warnw("Stream disconnect during cleanup failed", "error", err)
		}
	}

	m.pool.Close()
	m.logger.Info("All connections cleaned up")
}
