// Package registry tracks live streaming connections and fans aggregated
// views out to them, one computation per distinct view.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/aggregation"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
	"github.com/spooky-finn/go-cryptomarkets-depthview/usecase"
)

var logger = logrus.WithField("component", "connection-registry")

type SymbolSubscriber interface {
	Subscribe(symbol *domain.MarketSymbol) (*usecase.SubscriptionHandle, error)
}

type ViewSource interface {
	View(ctx context.Context, symbol *domain.MarketSymbol, unit decimal.Decimal, limit int) (*aggregation.Result, error)
}

// BroadcastResult summarizes one OnRawBookChanged pass.
type BroadcastResult struct {
	Groups    int
	Delivered int
	Failed    int
}

type Registry struct {
	books     SymbolSubscriber
	views     ViewSource
	validator *ValidationService

	mu          sync.RWMutex
	connections map[string]*ConnectionState
	bySymbol    map[string]map[string]*ConnectionState
	pumps       map[string]*pump

	deliveryFailures atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(books SymbolSubscriber, views ViewSource, validator *ValidationService) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		books:       books,
		views:       views,
		validator:   validator,
		connections: make(map[string]*ConnectionState),
		bySymbol:    make(map[string]map[string]*ConnectionState),
		pumps:       make(map[string]*pump),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// OnConnect validates the requested view, subscribes to the symbol and sends
// the first frame. A rounding finer than the symbol tick is raised to the tick.
func (r *Registry) OnConnect(ctx context.Context, sender Sender, msg SubscribeMessage) (*ConnectionState, error) {
	params, info, err := r.resolve(msg, nil)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	conn := &ConnectionState{
		ID:        uuid.NewString(),
		CreatedAt: now,
		params:    params,
		precision: info,
		status:    StatusConnecting,
		updatedAt: now,
		sender:    sender,
	}

	handle, err := r.books.Subscribe(params.Symbol)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe order book")
	}
	conn.handle = handle

	r.mu.Lock()
	r.connections[conn.ID] = conn
	r.attach(conn, params.Symbol)
	r.mu.Unlock()

	conn.mu.Lock()
	conn.status = StatusActive
	conn.generation = 1
	conn.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"connection": conn.ID,
		"symbol":     params.Symbol.String(),
		"limit":      params.Limit,
		"rounding":   params.Rounding.String(),
	}).Info("connection opened")

	r.sendLatest(ctx, conn)
	return conn, nil
}

// HandleMessage decodes and applies one inbound control message. Invalid
// messages are answered with an error frame and leave the connection as is.
func (r *Registry) HandleMessage(ctx context.Context, connectionID string, data []byte) error {
	msg, err := DecodeInbound(data)
	if err != nil {
		r.reject(connectionID, err)
		return err
	}

	switch m := msg.(type) {
	case SubscribeMessage:
		return r.retarget(ctx, connectionID, m)
	case UpdateParamsMessage:
		return r.OnParamUpdate(ctx, connectionID, m)
	case UnsubscribeMessage:
		return r.OnDisconnect(connectionID)
	default:
		return errors.Errorf("unhandled message %T", msg)
	}
}

// OnParamUpdate changes limit and rounding of a live connection in place and
// acknowledges it. Identical parameters, or a rounding finer than the symbol
// tick, are acknowledged with the current state and change nothing.
func (r *Registry) OnParamUpdate(ctx context.Context, connectionID string, msg UpdateParamsMessage) error {
	conn, err := r.connection(connectionID)
	if err != nil {
		return err
	}

	current := conn.Params()
	info := conn.precisionInfo()

	next := current
	if msg.Limit != nil {
		if err := r.validator.Limit(*msg.Limit); err != nil {
			r.reject(connectionID, err)
			return err
		}
		next.Limit = *msg.Limit
	}
	if msg.Rounding != nil {
		if err := r.validator.Rounding(*msg.Rounding); err != nil {
			r.reject(connectionID, err)
			return err
		}
		next.Rounding = *msg.Rounding
	}

	if next.Rounding.LessThan(info.EffectiveTick()) || sameParams(current, next) {
		if config.DebugMode {
			logger.Debugf("no-op parameter update, Connection=%s", connectionID)
		}
		return r.ack(conn, current)
	}

	_, _, err = conn.update(next, info, nil, func(p Params) []byte {
		return encodeParamsUpdated(conn.ID, "", p.Limit, p.Rounding)
	})
	if err != nil {
		r.drop(conn, err)
		return err
	}

	r.sendLatest(ctx, conn)
	return nil
}

// retarget moves a live connection to another symbol, keeping its id.
func (r *Registry) retarget(ctx context.Context, connectionID string, msg SubscribeMessage) error {
	conn, err := r.connection(connectionID)
	if err != nil {
		return err
	}
	current := conn.Params()

	params, info, err := r.resolve(msg, &current)
	if err != nil {
		r.reject(connectionID, err)
		return err
	}
	if params.Symbol.Equal(current.Symbol) {
		return r.OnParamUpdate(ctx, connectionID, UpdateParamsMessage{Limit: &params.Limit, Rounding: &params.Rounding})
	}

	handle, err := r.books.Subscribe(params.Symbol)
	if err != nil {
		return errors.Wrap(err, "subscribe order book")
	}

	r.mu.Lock()
	if _, ok := r.connections[connectionID]; !ok {
		r.mu.Unlock()
		handle.Unsubscribe()
		return domain.ErrConnectionNotFound
	}
	r.detach(conn, current.Symbol)
	r.attach(conn, params.Symbol)
	r.mu.Unlock()

	_, previous, err := conn.update(params, info, handle, func(p Params) []byte {
		return encodeParamsUpdated(conn.ID, p.Symbol.String(), p.Limit, p.Rounding)
	})
	if previous != nil {
		previous.Unsubscribe()
	}
	if err != nil {
		r.drop(conn, err)
		return err
	}

	logger.WithFields(logrus.Fields{
		"connection": conn.ID,
		"from":       current.Symbol.String(),
		"to":         params.Symbol.String(),
	}).Info("connection moved to another symbol")

	r.sendLatest(ctx, conn)
	return nil
}

// OnDisconnect removes the connection and releases its book subscription.
func (r *Registry) OnDisconnect(connectionID string) error {
	r.mu.Lock()
	conn, ok := r.connections[connectionID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrConnectionNotFound
	}
	delete(r.connections, connectionID)
	r.detach(conn, conn.Params().Symbol)
	r.mu.Unlock()

	handle, sender, ok := conn.close()
	if !ok {
		return nil
	}
	if handle != nil {
		handle.Unsubscribe()
	}
	if err := sender.Close(); err != nil {
		logger.WithError(err).WithField("connection", connectionID).Debug("close sender")
	}

	logger.WithField("connection", connectionID).Info("connection closed")
	return nil
}

// Notify schedules a broadcast for symbol. Notifications that arrive while a
// broadcast is pending are merged into it.
func (r *Registry) Notify(symbol *domain.MarketSymbol) {
	r.mu.RLock()
	p := r.pumps[symbol.String()]
	r.mu.RUnlock()

	if p != nil {
		p.signal()
	}
}

// OnRawBookChanged groups the symbol's active connections by view key,
// computes one view per key and delivers it to every member of the group.
// A failed delivery closes only that connection.
func (r *Registry) OnRawBookChanged(ctx context.Context, symbol *domain.MarketSymbol) BroadcastResult {
	key := symbol.String()

	r.mu.RLock()
	conns := make([]*ConnectionState, 0, len(r.bySymbol[key]))
	for _, conn := range r.bySymbol[key] {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	type member struct {
		conn       *ConnectionState
		generation uint64
	}
	type group struct {
		params  Params
		members []member
	}

	groups := make(map[aggregation.Key]*group)
	for _, conn := range conns {
		params, generation, active := conn.snapshot()
		if !active || !params.Symbol.Equal(symbol) {
			continue
		}
		k := aggregation.NewKey(key, params.Rounding, params.Limit)
		g, ok := groups[k]
		if !ok {
			g = &group{params: params}
			groups[k] = g
		}
		g.members = append(g.members, member{conn: conn, generation: generation})
	}

	var result BroadcastResult
	for k, g := range groups {
		res, err := r.views.View(ctx, symbol, g.params.Rounding, g.params.Limit)
		if err != nil {
			logger.WithError(err).WithField("key", k.String()).Warn("view unavailable, skipping group")
			continue
		}
		result.Groups++

		for _, m := range g.members {
			delivered, err := m.conn.deliver(res.Frame, res.View.SourceVersion, m.generation)
			switch {
			case err != nil:
				result.Failed++
				r.drop(m.conn, err)
			case delivered:
				result.Delivered++
			}
		}
	}
	return result
}

// Shutdown closes every connection and stops the broadcast pumps.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.OnDisconnect(id)
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for broadcast pumps")
	}
}

func (r *Registry) Connection(connectionID string) (*ConnectionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[connectionID]
	return conn, ok
}

func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.connections)
}

func (r *Registry) DeliveryFailures() uint64 {
	return r.deliveryFailures.Load()
}

// resolve validates a subscribe request. Missing fields default to current
// when given, otherwise to the configured limit and the symbol tick.
func (r *Registry) resolve(msg SubscribeMessage, current *Params) (Params, domain.SymbolPrecisionInfo, error) {
	symbol, info, err := r.validator.Symbol(msg.Symbol)
	if err != nil {
		return Params{}, info, err
	}

	params := Params{Symbol: symbol, Limit: r.validator.DefaultLimit(), Rounding: info.EffectiveTick()}
	if current != nil {
		params.Limit = current.Limit
	}

	if msg.Limit != nil {
		if err := r.validator.Limit(*msg.Limit); err != nil {
			return Params{}, info, err
		}
		params.Limit = *msg.Limit
	}
	if msg.Rounding != nil {
		if err := r.validator.Rounding(*msg.Rounding); err != nil {
			return Params{}, info, err
		}
		if msg.Rounding.GreaterThan(params.Rounding) {
			params.Rounding = *msg.Rounding
		}
	}
	return params, info, nil
}

func (r *Registry) sendLatest(ctx context.Context, conn *ConnectionState) {
	params, generation, active := conn.snapshot()
	if !active {
		return
	}

	res, err := r.views.View(ctx, params.Symbol, params.Rounding, params.Limit)
	if err != nil {
		logger.WithError(err).WithField("connection", conn.ID).Warn("initial view unavailable")
		return
	}
	if _, err := conn.deliver(res.Frame, res.View.SourceVersion, generation); err != nil {
		r.drop(conn, err)
	}
}

func (r *Registry) ack(conn *ConnectionState, params Params) error {
	if err := conn.send(encodeParamsUpdated(conn.ID, "", params.Limit, params.Rounding)); err != nil {
		r.drop(conn, err)
		return err
	}
	return nil
}

func (r *Registry) reject(connectionID string, cause error) {
	conn, err := r.connection(connectionID)
	if err != nil {
		return
	}
	logger.WithError(cause).WithField("connection", connectionID).Info("request rejected")
	if err := conn.send(EncodeError(cause.Error())); err != nil {
		r.drop(conn, err)
	}
}

func (r *Registry) drop(conn *ConnectionState, cause error) {
	r.deliveryFailures.Add(1)
	logger.WithError(cause).WithField("connection", conn.ID).Warn("delivery failed, closing connection")
	_ = r.OnDisconnect(conn.ID)
}

func (r *Registry) connection(connectionID string) (*ConnectionState, error) {
	conn, ok := r.Connection(connectionID)
	if !ok {
		return nil, errors.Wrap(domain.ErrConnectionNotFound, connectionID)
	}
	return conn, nil
}

// attach and detach require r.mu held for writing.
func (r *Registry) attach(conn *ConnectionState, symbol *domain.MarketSymbol) {
	key := symbol.String()
	members, ok := r.bySymbol[key]
	if !ok {
		members = make(map[string]*ConnectionState)
		r.bySymbol[key] = members
	}
	members[conn.ID] = conn

	if _, ok := r.pumps[key]; !ok {
		r.pumps[key] = r.startPump(symbol)
	}
}

func (r *Registry) detach(conn *ConnectionState, symbol *domain.MarketSymbol) {
	key := symbol.String()
	members := r.bySymbol[key]
	delete(members, conn.ID)
	if len(members) > 0 {
		return
	}

	delete(r.bySymbol, key)
	if p, ok := r.pumps[key]; ok {
		p.stop()
		delete(r.pumps, key)
	}
}

func sameParams(a, b Params) bool {
	return a.Limit == b.Limit && a.Rounding.Equal(b.Rounding)
}
