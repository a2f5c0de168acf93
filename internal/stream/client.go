package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"hermes/internal/adapters/config"
	"hermes/internal/domain/virtualkey"
	"hermes/internal/secrets"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
	"hermes/pkg/reconnect"
)

const (
	readPollTimeout = 10 * time.Second
	writeTimeout    = 5 * time.Second
)

// State is the connection lifecycle phase
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// callResult resolves one pending RPC waiter
type callResult struct {
	frame *responseFrame
	err   error
}

// Client is one persistent WebSocket connection to an exchange's trading
// API. A single background read loop demultiplexes response frames to
// their waiters by request id. Unexpected closures are retried with
// exponential backoff; spending the attempt budget moves the client to
// Closed permanently.
type Client struct {
	url  string
	pair virtualkey.SecretPair
	cfg  config.StreamConfig

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	// gorilla/websocket allows a single concurrent writer
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callResult

	supervisor *reconnect.Manager
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	onStateChange func(State)

	logger *logger.Logger
}

// NewClient creates a stream client for one credential pair. The pair's
// secret must decode to an Ed25519 seed; HMAC-only keys cannot log on.
func NewClient(url string, pair virtualkey.SecretPair, cfg config.StreamConfig, log *logger.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		url:     url,
		pair:    pair,
		cfg:     cfg,
		state:   StateDisconnected,
		pending: make(map[string]chan callResult),
		supervisor: reconnect.NewManager(reconnect.Config{
			MinBackoff:       cfg.ReconnectMinBackoff,
			MaxBackoff:       cfg.ReconnectMaxBackoff,
			MaxAttempts:      cfg.MaxReconnectAttempts,
			HeartbeatTimeout: cfg.HeartbeatTimeout,
		}, log),
		ctx:    ctx,
		cancel: cancel,
		logger: log.With("component", "stream_client"),
	}
}

// SetOnStateChange registers a callback invoked on every state
// transition. Must be called before Connect.
func (c *Client) SetOnStateChange(fn func(State)) {
	c.onStateChange = fn
}

// State returns the current lifecycle phase
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState transitions the state. Caller must hold c.mu.
func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debugw("Stream state transition", "from", c.state.String(), "to", s.String())
	c.state = s
	if c.onStateChange != nil {
		go c.onStateChange(s)
	}
}

// Connect dials the endpoint, performs session logon, and starts the
// background keep-alive and liveness tasks
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return errors.Wrap(errors.ErrConnectionClosed, "stream client is closed")
	case StateReady:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateAuthenticating, StateReconnecting:
		c.mu.Unlock()
		return errors.Wrap(errors.ErrNotConnected, "connection attempt already in progress")
	}
	c.mu.Unlock()

	if err := c.dialAndLogon(ctx); err != nil {
		return err
	}

	c.wg.Add(2)
	go c.keepAliveLoop()
	go c.watchdogLoop()

	return nil
}

// dialAndLogon opens the socket, starts its read loop and authenticates
func (c *Client) dialAndLogon(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return errors.Wrap(errors.ErrConnectionClosed, "stream client is closed")
	}
	c.setState(StateConnecting)
	c.mu.Unlock()

	c.logger.Infow("Connecting to exchange stream", "url", c.url)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		if c.state != StateClosed {
			c.setState(StateDisconnected)
		}
		c.mu.Unlock()
		return errors.Wrapf(errors.ErrConnect, "dial %s: %v", c.url, err)
	}

	// Any control frame from the server counts as liveness
	conn.SetPingHandler(func(appData string) error {
		c.supervisor.RecordActivity()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})
	conn.SetPongHandler(func(string) error {
		c.supervisor.RecordActivity()
		return nil
	})

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return errors.Wrap(errors.ErrConnectionClosed, "stream client is closed")
	}
	c.conn = conn
	c.setState(StateAuthenticating)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.authenticate(ctx); err != nil {
		// Detach the socket first so its read loop does not treat this
		// as an unexpected closure and start reconnecting
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		if c.state != StateClosed {
			c.setState(StateDisconnected)
		}
		c.mu.Unlock()
		conn.Close()
		return err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return errors.Wrap(errors.ErrConnectionClosed, "stream client is closed")
	}
	if c.conn != conn {
		// The socket died while logon was finishing; the failure was
		// already observed by the read loop
		c.mu.Unlock()
		return errors.Wrap(errors.ErrConnect, "connection lost during logon")
	}
	c.setState(StateReady)
	c.mu.Unlock()
	c.supervisor.RecordSuccess()

	c.logger.Info("Stream session established")
	return nil
}

// authenticate performs session.logon with an Ed25519 signature over the
// alphabetically ordered logon parameters
func (c *Client) authenticate(ctx context.Context) error {
	timestamp := time.Now().UnixMilli()

	// Logon requires parameters sorted alphabetically before signing
	params := newParamSet().
		add("apiKey", c.pair.APIKey).
		addInt("recvWindow", int64(c.cfg.RecvWindow)).
		addInt("timestamp", timestamp)

	signature, err := secrets.SignEd25519(params.ordered(), c.pair.Secret)
	if err != nil {
		return err
	}
	params.add("signature", signature)

	_, err = c.call(ctx, methodLogon, params.toMap(), c.cfg.AuthTimeout)
	if err != nil {
		var apiErr *errors.APIError
		if errors.As(err, &apiErr) {
			// The exchange rejected the key itself; retrying with the
			// same credentials cannot succeed
			return errors.Wrapf(errors.ErrAuthRejected, "logon failed: %v", apiErr)
		}
		return errors.Wrap(err, "logon failed")
	}

	return nil
}

// call sends one RPC frame and waits for its correlated response
func (c *Client) call(ctx context.Context, method string, params map[string]interface{}, timeout time.Duration) (jsoniter.RawMessage, error) {
	id := uuid.New().String()
	ch := make(chan callResult, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	frame := requestFrame{ID: id, Method: method, Params: params}
	if err := c.writeFrame(&frame); err != nil {
		c.unregister(id)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if err := res.frame.err(); err != nil {
			return nil, err
		}
		return res.frame.Result, nil
	case <-time.After(timeout):
		c.unregister(id)
		return nil, errors.Wrapf(errors.ErrTimeout, "%s: no response within %s", method, timeout)
	case <-ctx.Done():
		c.unregister(id)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.unregister(id)
		return nil, errors.Wrap(errors.ErrConnectionClosed, method)
	}
}

func (c *Client) writeFrame(frame *requestFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request frame")
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.Wrap(errors.ErrNotConnected, frame.Method)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.Wrap(err, "failed to set write deadline")
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrapf(errors.ErrConnect, "write %s: %v", frame.Method, err)
	}
	return nil
}

func (c *Client) unregister(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// readLoop is the sole reader of conn and the sole resolver of pending
// waiters for frames arriving on it
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		// Short read deadline so the loop can observe cancellation
		if err := conn.SetReadDeadline(time.Now().Add(readPollTimeout)); err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("Stream closed by server")
			}
			c.handleDisconnect(conn, err)
			return
		}

		c.supervisor.RecordActivity()
		c.dispatch(message)
	}
}

// dispatch routes one inbound frame to its waiter by id
func (c *Client) dispatch(message []byte) {
	var frame responseFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.logger.Warnw("Dropping unparseable stream frame", "error", err)
		return
	}

	if frame.ID == "" {
		// Unsolicited event frame; nothing is waiting for it
		c.logger.Debugw("Dropping frame without id")
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debugw("Dropping unmatched response frame", "id", frame.ID)
		return
	}
	ch <- callResult{frame: &frame}
}

// handleDisconnect reacts to an unexpected socket failure. In-flight
// requests fail immediately; the reconnect loop restores the session or
// moves the client to Closed once the attempt budget is spent.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.state == StateClosed || c.state == StateDisconnected {
		// Shutdown or logon failure already owns the failure, or this
		// loop served an already-replaced socket
		c.mu.Unlock()
		return
	}
	if c.state != StateReady {
		// The socket died mid-logon. Detach it so dialAndLogon sees the
		// failure and its caller retries; spawning a second reconnect
		// loop here would race the one already driving the dial.
		c.conn = nil
		c.mu.Unlock()

		conn.Close()
		c.logger.Warnw("Stream connection lost during logon", "error", cause)
		c.flushPending(errors.Wrap(errors.ErrConnect, "connection lost during logon"))
		return
	}
	c.setState(StateReconnecting)
	c.mu.Unlock()

	conn.Close()
	c.logger.Warnw("Stream connection lost", "error", cause)

	c.flushPending(errors.Wrap(errors.ErrConnectionClosed, "connection lost"))

	c.wg.Add(1)
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}

		err := c.supervisor.Retry(c.ctx, c.dialAndLogon)
		if err == nil {
			return
		}
		if errors.Is(err, errors.ErrMaxReconnectAttempts) {
			c.logger.Errorw("Reconnect budget spent, closing stream client")
			c.shutdown()
			return
		}
		if errors.Is(err, errors.ErrAuthRejected) {
			// Wrong credentials will not fix themselves
			c.logger.Errorw("Exchange rejected credentials during reconnect, closing stream client")
			c.shutdown()
			return
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

// keepAliveLoop sends idle pings so intermediaries keep the socket open
func (c *Client) keepAliveLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			ready := c.state == StateReady
			c.mu.Unlock()

			if !ready || conn == nil {
				continue
			}
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warnw("Keep-alive ping failed", "error", err)
			}
		}
	}
}

// watchdogLoop force-closes the socket when no traffic has been observed
// for longer than the heartbeat timeout, handing control to the
// reconnect path
func (c *Client) watchdogLoop() {
	defer c.wg.Done()

	interval := c.cfg.HeartbeatTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			ready := c.state == StateReady
			c.mu.Unlock()

			if ready && conn != nil && !c.supervisor.IsHealthy() {
				c.logger.Warn("No stream traffic within heartbeat window, forcing reconnect")
				conn.Close()
			}
		}
	}
}

// flushPending resolves every waiting caller with err
func (c *Client) flushPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// shutdown moves the client to Closed and stops all background tasks.
// Safe to call from background goroutines.
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.setState(StateClosed)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}

	c.flushPending(errors.Wrap(errors.ErrConnectionClosed, "stream client closed"))
}

// Disconnect closes the client permanently and waits for its background
// tasks to stop
func (c *Client) Disconnect() error {
	c.shutdown()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Stream client stopped")
		return nil
	case <-time.After(10 * time.Second):
		c.logger.Warn("Stream shutdown timed out")
		return errors.Wrap(errors.ErrTimeout, "stream shutdown")
	}
}

// ensureReady gates RPCs on the Ready state
func (c *Client) ensureReady() error {
	switch c.State() {
	case StateReady:
		return nil
	case StateClosed:
		return errors.Wrap(errors.ErrConnectionClosed, "stream client is closed")
	default:
		return errors.Wrapf(errors.ErrNotConnected, "stream state is %s", c.State())
	}
}

// PlaceOrder submits an order over the stream
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "order.place: %v", err)
	}
	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	result, err := c.call(ctx, methodOrderPlace, req.toParams().toMap(), c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}

	var ack OrderAck
	if err := json.Unmarshal(result, &ack); err != nil {
		return nil, errors.Wrap(err, "failed to decode order.place result")
	}
	return &ack, nil
}

// CancelOrder cancels an order over the stream
func (c *Client) CancelOrder(ctx context.Context, req CancelRequest) (*OrderAck, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "order.cancel: %v", err)
	}
	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	result, err := c.call(ctx, methodOrderCancel, req.toParams().toMap(), c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}

	var ack OrderAck
	if err := json.Unmarshal(result, &ack); err != nil {
		return nil, errors.Wrap(err, "failed to decode order.cancel result")
	}
	return &ack, nil
}

// GetAccountStatus fetches the trading-account snapshot
func (c *Client) GetAccountStatus(ctx context.Context) (*AccountStatus, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	result, err := c.call(ctx, methodAccountStatus, nil, c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}

	var status AccountStatus
	if err := json.Unmarshal(result, &status); err != nil {
		return nil, errors.Wrap(err, "failed to decode account.status result")
	}
	return &status, nil
}

// GetAccountBalances fetches per-asset balances
func (c *Client) GetAccountBalances(ctx context.Context) ([]Balance, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	result, err := c.call(ctx, methodAccountBalance, nil, c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}

	var balances []Balance
	if err := json.Unmarshal(result, &balances); err != nil {
		return nil, errors.Wrap(err, "failed to decode account.balance result")
	}
	return balances, nil
}

// ReconnectStats exposes supervisor counters for monitoring
func (c *Client) ReconnectStats() reconnect.Stats {
	return c.supervisor.GetStats()
}
