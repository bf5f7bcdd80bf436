package registry

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
	"github.com/spooky-finn/go-cryptomarkets-depthview/usecase"
)

// Sender writes frames to one client. Send must not block on the network;
// frames from a single Sender reach the client in call order.
type Sender interface {
	Send(frame []byte) error
	Close() error
}

type Status int32

const (
	StatusConnecting Status = iota
	StatusActive
	StatusParamUpdate
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusParamUpdate:
		return "param_update"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Params is the view a connection currently watches.
type Params struct {
	Symbol   *domain.MarketSymbol
	Limit    int
	Rounding decimal.Decimal
}

// ConnectionState is created on connect and mutated in place by parameter
// updates until the connection closes.
type ConnectionState struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	params    Params
	precision domain.SymbolPrecisionInfo
	status    Status
	updatedAt time.Time

	// generation moves on every parameter change. A frame computed for an
	// older generation is never delivered.
	generation        uint64
	lastGeneration    uint64
	lastVersion       uint64
	deliveredAnyFrame bool

	sender Sender
	handle *usecase.SubscriptionHandle
}

func (c *ConnectionState) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.params
}

func (c *ConnectionState) precisionInfo() domain.SymbolPrecisionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.precision
}

func (c *ConnectionState) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

func (c *ConnectionState) UpdatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.updatedAt
}

func (c *ConnectionState) snapshot() (Params, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.params, c.generation, c.status == StatusActive
}

// deliver sends frame unless it was computed for superseded parameters or
// from a version older than the last one delivered.
func (c *ConnectionState) deliver(frame []byte, version, generation uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusActive || generation != c.generation {
		return false, nil
	}
	if c.deliveredAnyFrame && generation == c.lastGeneration && version <= c.lastVersion {
		return false, nil
	}

	if err := c.sender.Send(frame); err != nil {
		return false, &domain.DeliveryError{ConnectionID: c.ID, Cause: err}
	}
	c.deliveredAnyFrame = true
	c.lastGeneration = generation
	c.lastVersion = version
	return true, nil
}

// update swaps the parameters and sends the acknowledgment inside one
// critical section, so the ack precedes any frame of the new generation.
func (c *ConnectionState) update(params Params, precision domain.SymbolPrecisionInfo, handle *usecase.SubscriptionHandle, ack func(Params) []byte) (uint64, *usecase.SubscriptionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status = StatusParamUpdate
	previous := c.handle

	c.params = params
	c.precision = precision
	if handle != nil {
		c.handle = handle
	} else {
		previous = nil
	}
	c.generation++
	c.updatedAt = time.Now()
	c.status = StatusActive

	if err := c.sender.Send(ack(params)); err != nil {
		return c.generation, previous, &domain.DeliveryError{ConnectionID: c.ID, Cause: err}
	}
	return c.generation, previous, nil
}

func (c *ConnectionState) send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusClosed {
		return nil
	}
	if err := c.sender.Send(frame); err != nil {
		return &domain.DeliveryError{ConnectionID: c.ID, Cause: err}
	}
	return nil
}

// close marks the connection closed and returns its subscription and sender
// for release. It returns ok=false when already closed.
func (c *ConnectionState) close() (*usecase.SubscriptionHandle, Sender, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusClosed {
		return nil, nil, false
	}
	c.status = StatusClosed
	c.updatedAt = time.Now()
	return c.handle, c.sender, true
}
