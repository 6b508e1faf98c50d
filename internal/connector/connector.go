// Package connector maintains the EventSub websocket session: connect,
// welcome, server-directed reconnect, unexpected-close recovery, and
// decoding of notifications into domain events. Frames from every physical
// connection funnel into one goroutine, so the connection state machine is
// never touched from two callbacks at once.
package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/streamtimeline/backend/internal/engine"
	"github.com/streamtimeline/backend/internal/models"
)

// State is the lifecycle state of one physical connection.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateWelcomed   State = "welcomed"
	StateDraining   State = "draining"
	StateClosed     State = "closed"
)

// Dispatcher consumes decoded domain events. Errors are logged and
// swallowed by the connector; upstream never resends on consumer failure,
// so a failed event costs only that event and reconciliation recovers it.
type Dispatcher interface {
	OnWentLive(ctx context.Context, ev engine.WentLive) error
	OnCategoryChanged(ctx context.Context, ev engine.CategoryChanged) error
	OnWentOffline(ctx context.Context, ev engine.WentOffline) error
}

// Subscriber (re)issues the upstream subscriptions for a session id.
// Implementations must treat "subscription already exists" as success.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) error
}

// CategorySource returns the broadcaster's current category. Used to enrich
// a live transition, since the online notification does not carry one.
type CategorySource interface {
	CurrentCategory(ctx context.Context, broadcasterID string) (models.Category, error)
}

// Config holds connector settings.
type Config struct {
	URL              string // default websocket endpoint
	BroadcasterID    string
	BroadcasterName  string
	HandshakeTimeout time.Duration
	DedupTTL         time.Duration
}

type conn struct {
	id        string
	url       string
	ws        *websocket.Conn
	state     State
	sessionID string
	migration bool // opened because of a session_reconnect

	keepaliveSec atomic.Int64
}

type inbound struct {
	conn       *conn
	data       []byte
	receivedAt time.Time
}

// Status is a point-in-time snapshot of the connector for the admin API.
type Status struct {
	State     State  `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	URL       string `json:"url,omitempty"`
	Attempts  int    `json:"reconnect_attempts"`
	Draining  int    `json:"draining_connections"`
}

// Connector runs the push-notification session.
type Connector struct {
	cfg        Config
	dialer     *websocket.Dialer
	dispatcher Dispatcher
	subs       Subscriber
	categories CategorySource
	raw        RawLogger
	logger     *zap.Logger
	dedup      *dedupWindow

	events chan inbound
	closes chan *conn
	done   chan struct{}

	mu        sync.Mutex
	conns     map[*conn]struct{}
	current   *conn // authoritative connection (may be Draining during a handoff)
	migrating *conn // dialed for a handoff, not yet welcomed
	attempts  int
}

// New creates a connector. Call Run to start it.
func New(cfg Config, dispatcher Dispatcher, subs Subscriber, categories CategorySource, raw RawLogger, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if raw == nil {
		raw = NopRawLog{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Connector{
		cfg:        cfg,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		dispatcher: dispatcher,
		subs:       subs,
		categories: categories,
		raw:        raw,
		logger:     logger,
		dedup:      newDedupWindow(cfg.DedupTTL),
		events:     make(chan inbound, 256),
		closes:     make(chan *conn, 8),
		done:       make(chan struct{}),
		conns:      make(map[*conn]struct{}),
	}
}

// reconnectDelay is the backoff schedule for unexpected closes:
// min(30s, 1s * 2^min(attempts-1, 5)).
func reconnectDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	exp := attempts - 1
	if exp > 5 {
		exp = 5
	}
	d := time.Duration(1<<uint(exp)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Run connects and processes messages until ctx is done.
func (c *Connector) Run(ctx context.Context) {
	defer close(c.done)
	defer c.closeAll()

	var retry *time.Timer
	var retryC <-chan time.Time
	schedule := func(d time.Duration) {
		if retry != nil {
			retry.Stop()
		}
		retry = time.NewTimer(d)
		retryC = retry.C
		c.logger.Info("reconnect scheduled", zap.Duration("delay", d))
	}

	if err := c.dialFresh(ctx); err != nil {
		schedule(c.nextDelay())
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-retryC:
			retryC = nil
			if err := c.dialFresh(ctx); err != nil {
				schedule(c.nextDelay())
			}
		case in := <-c.events:
			if reconnect := c.handleMessage(ctx, in); reconnect {
				schedule(c.nextDelay())
			}
		case cn := <-c.closes:
			if reconnect := c.handleClose(cn); reconnect {
				schedule(c.nextDelay())
			}
		}
	}
}

func (c *Connector) nextDelay() time.Duration {
	c.mu.Lock()
	c.attempts++
	n := c.attempts
	c.mu.Unlock()
	return reconnectDelay(n)
}

// Status returns a snapshot for the admin API.
func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: StateClosed, Attempts: c.attempts}
	if c.current != nil {
		st.State = c.current.state
		st.SessionID = c.current.sessionID
		st.URL = c.current.url
	} else if c.migrating != nil {
		st.State = c.migrating.state
		st.URL = c.migrating.url
	}
	for cn := range c.conns {
		if cn.state == StateDraining {
			st.Draining++
		}
	}
	return st
}

func (c *Connector) dialFresh(ctx context.Context) error {
	cn, err := c.dial(ctx, c.cfg.URL, false)
	if err != nil {
		c.logger.Warn("dial failed", zap.String("url", c.cfg.URL), zap.Error(err))
		return err
	}
	c.mu.Lock()
	c.current = cn
	c.mu.Unlock()
	return nil
}

func (c *Connector) dial(ctx context.Context, url string, migration bool) (*conn, error) {
	cn := &conn{id: uuid.New().String(), url: url, state: StateConnecting, migration: migration}
	ws, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	cn.ws = ws
	cn.state = StateOpen
	c.mu.Lock()
	c.conns[cn] = struct{}{}
	c.mu.Unlock()
	go c.readLoop(cn)
	c.logger.Info("connection opened", zap.String("conn_id", cn.id), zap.String("url", url), zap.Bool("migration", migration))
	return cn, nil
}

func (c *Connector) readLoop(cn *conn) {
	defer func() {
		_ = cn.ws.Close()
		select {
		case c.closes <- cn:
		case <-c.done:
		}
	}()
	for {
		if ka := cn.keepaliveSec.Load(); ka > 0 {
			_ = cn.ws.SetReadDeadline(time.Now().Add(time.Duration(ka)*time.Second + 5*time.Second))
		}
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.events <- inbound{conn: cn, data: data, receivedAt: time.Now().UTC()}:
		case <-c.done:
			return
		}
	}
}

// handleMessage records the frame, then interprets it. The returned bool
// requests a backoff reconnect (protocol error on the authoritative conn).
func (c *Connector) handleMessage(ctx context.Context, in inbound) bool {
	// Record first, dispatch second.
	c.raw.Append(RawEntry{ReceivedAt: in.receivedAt, Payload: in.data})

	env, err := parseEnvelope(in.data)
	if err != nil {
		c.logger.Error("malformed frame, tearing connection down", zap.Error(err), zap.String("conn_id", in.conn.id))
		return c.teardown(in.conn)
	}

	switch env.Metadata.MessageType {
	case msgTypeWelcome:
		return c.handleWelcome(ctx, in.conn, env)
	case msgTypeKeepalive:
		return false
	case msgTypeReconnect:
		c.handleReconnect(ctx, in.conn, env)
		return false
	case msgTypeNotification:
		c.handleNotification(ctx, env, in.receivedAt)
		return false
	case msgTypeRevocation:
		c.logger.Warn("subscription revoked", zap.String("subscription_type", env.Metadata.SubscriptionType))
		return false
	default:
		c.logger.Debug("unhandled message type", zap.String("message_type", env.Metadata.MessageType))
		return false
	}
}

func (c *Connector) handleWelcome(ctx context.Context, cn *conn, env *envelope) bool {
	p, err := parseSession(env.Payload)
	if err != nil || p.Session.ID == "" {
		c.logger.Error("welcome without session id, tearing connection down", zap.Error(err))
		return c.teardown(cn)
	}

	c.mu.Lock()
	cn.state = StateWelcomed
	cn.sessionID = p.Session.ID
	if p.Session.KeepaliveTimeoutSeconds > 0 {
		cn.keepaliveSec.Store(int64(p.Session.KeepaliveTimeoutSeconds))
	}
	fresh := !cn.migration
	if cn == c.migrating {
		c.migrating = nil
		c.current = cn
	}
	if fresh {
		c.attempts = 0
	}
	// The new connection is confirmed: force-close everything still draining.
	var stale []*conn
	for other := range c.conns {
		if other != cn && other != c.migrating {
			other.state = StateDraining
			stale = append(stale, other)
		}
	}
	c.mu.Unlock()

	for _, other := range stale {
		c.logger.Info("closing superseded connection", zap.String("conn_id", other.id))
		_ = other.ws.Close()
	}

	c.logger.Info("session welcomed",
		zap.String("conn_id", cn.id),
		zap.String("session_id", p.Session.ID),
		zap.Bool("migration", cn.migration))

	if err := c.subs.Subscribe(ctx, p.Session.ID); err != nil {
		c.logger.Error("resubscribe failed, tearing connection down", zap.Error(err))
		return c.teardown(cn)
	}
	return false
}

func (c *Connector) handleReconnect(ctx context.Context, cn *conn, env *envelope) {
	p, err := parseSession(env.Payload)
	if err != nil || p.Session.ReconnectURL == nil || *p.Session.ReconnectURL == "" {
		c.logger.Error("reconnect without url, ignoring", zap.Error(err))
		return
	}
	c.mu.Lock()
	if cn != c.current {
		c.mu.Unlock()
		c.logger.Debug("reconnect on non-authoritative connection, ignoring", zap.String("conn_id", cn.id))
		return
	}
	// The old connection keeps receiving until the new one is welcomed;
	// upstream terminates it after the handoff.
	cn.state = StateDraining
	old := c.migrating
	c.mu.Unlock()

	if old != nil {
		_ = old.ws.Close()
	}

	newConn, err := c.dial(ctx, *p.Session.ReconnectURL, true)
	if err != nil {
		// The draining connection is still up; its eventual close takes
		// the normal backoff path.
		c.logger.Warn("migration dial failed", zap.String("url", *p.Session.ReconnectURL), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.migrating = newConn
	c.mu.Unlock()
	c.logger.Info("migrating session", zap.String("url", *p.Session.ReconnectURL))
}

func (c *Connector) handleNotification(ctx context.Context, env *envelope, receivedAt time.Time) {
	if env.Metadata.MessageID != "" && c.dedup.Seen(env.Metadata.MessageID, receivedAt) {
		c.logger.Debug("duplicate message id, skipped", zap.String("message_id", env.Metadata.MessageID))
		return
	}

	var p notificationPayload
	if err := parseJSON(env.Payload, &p); err != nil {
		c.logger.Error("malformed notification payload, dropped", zap.Error(err))
		return
	}
	subType := p.Subscription.Type
	if subType == "" {
		subType = env.Metadata.SubscriptionType
	}

	// Dispatcher failures must never tear down the connection.
	if err := c.dispatch(ctx, subType, p.Event, env.Metadata.MessageTimestamp, receivedAt); err != nil {
		c.logger.Error("event dispatch failed, dropped",
			zap.String("subscription_type", subType),
			zap.Error(err))
	}
}

func (c *Connector) dispatch(ctx context.Context, subType string, event []byte, msgTime, receivedAt time.Time) error {
	switch subType {
	case SubStreamOnline:
		var ev streamOnlineEvent
		if err := parseJSON(event, &ev); err != nil {
			return fmt.Errorf("parse stream.online: %w", err)
		}
		category := c.lookupCategory(ctx, ev.BroadcasterUserID)
		return c.dispatcher.OnWentLive(ctx, engine.WentLive{
			BroadcasterID:   ev.BroadcasterUserID,
			BroadcasterName: ev.BroadcasterUserName,
			SessionIDHint:   ev.ID,
			StartedAt:       eventTime(ev.StartedAt, receivedAt),
			Category:        category,
		})
	case SubChannelUpdate:
		var ev channelUpdateEvent
		if err := parseJSON(event, &ev); err != nil {
			return fmt.Errorf("parse channel.update: %w", err)
		}
		return c.dispatcher.OnCategoryChanged(ctx, engine.CategoryChanged{
			BroadcasterID: ev.BroadcasterUserID,
			Category:      models.Category{ID: ev.CategoryID, Name: ev.CategoryName},
			At:            eventTime(msgTime, receivedAt),
		})
	case SubStreamOffline:
		var ev streamOfflineEvent
		if err := parseJSON(event, &ev); err != nil {
			return fmt.Errorf("parse stream.offline: %w", err)
		}
		return c.dispatcher.OnWentOffline(ctx, engine.WentOffline{
			BroadcasterID: ev.BroadcasterUserID,
			At:            eventTime(msgTime, receivedAt),
			Reason:        models.EndReasonEventNotified,
		})
	default:
		c.logger.Debug("notification for unhandled subscription type", zap.String("subscription_type", subType))
		return nil
	}
}

// lookupCategory enriches a live transition before the engine's critical
// section. Failure degrades to the Unknown sentinel; the next channel.update
// or reconciliation sweep corrects it.
func (c *Connector) lookupCategory(ctx context.Context, broadcasterID string) models.Category {
	if c.categories == nil {
		return models.Category{}
	}
	category, err := c.categories.CurrentCategory(ctx, broadcasterID)
	if err != nil {
		c.logger.Warn("category lookup failed", zap.Error(err))
		return models.Category{}
	}
	return category
}

// teardown closes cn and reports whether a backoff reconnect is needed
// (only when cn was the authoritative connection).
func (c *Connector) teardown(cn *conn) bool {
	c.mu.Lock()
	wasCurrent := cn == c.current
	if wasCurrent {
		c.current = nil
	}
	if cn == c.migrating {
		c.migrating = nil
	}
	cn.state = StateClosed
	c.mu.Unlock()
	_ = cn.ws.Close()
	return wasCurrent
}

// handleClose processes a read-loop exit and reports whether to reconnect.
func (c *Connector) handleClose(cn *conn) bool {
	c.mu.Lock()
	delete(c.conns, cn)
	prior := cn.state
	cn.state = StateClosed

	switch {
	case cn == c.migrating:
		// Handoff target died before welcome. The draining connection may
		// still be alive; reconnect only if it is not.
		c.migrating = nil
		reconnect := c.current == nil
		c.mu.Unlock()
		c.logger.Warn("migration connection closed before welcome", zap.String("conn_id", cn.id))
		return reconnect
	case cn == c.current:
		c.current = nil
		// A draining authoritative conn with a handoff in flight is
		// expected to close; anything else is an unexpected drop.
		reconnect := !(prior == StateDraining && c.migrating != nil)
		c.mu.Unlock()
		if reconnect {
			c.logger.Warn("connection closed unexpectedly", zap.String("conn_id", cn.id))
		} else {
			c.logger.Info("drained connection closed", zap.String("conn_id", cn.id))
		}
		return reconnect
	default:
		c.mu.Unlock()
		c.logger.Debug("superseded connection closed", zap.String("conn_id", cn.id))
		return false
	}
}

func (c *Connector) closeAll() {
	c.mu.Lock()
	conns := make([]*conn, 0, len(c.conns))
	for cn := range c.conns {
		conns = append(conns, cn)
	}
	c.mu.Unlock()
	for _, cn := range conns {
		_ = cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = cn.ws.Close()
	}
}
