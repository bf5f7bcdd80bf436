package binance

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/recws-org/recws"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

var logger = logrus.WithField("component", "binance")

const (
	pingDelay          = time.Minute * 9
	reconnectPollDelay = 100 * time.Millisecond
	subscriberBuffer   = 256
)

type Message[T any] struct {
	Stream string `json:"stream"`
	Data   T      `json:"data"`
}

type WebSocketRequestModel struct {
	ReqId  int      `json:"id"`
	Params []string `json:"params"`
	Method string   `json:"method"`
}

type subscriber struct {
	ch   chan []byte
	done chan struct{}
}

// StreamClient multiplexes topic subscriptions over one reconnecting
// combined-stream websocket. A topic is subscribed upstream once, however
// many local subscribers it has.
type StreamClient struct {
	endpoint string
	conn     *recws.RecConn

	// Connect blocks for up to this long on the first dial.
	HandshakeTimeout time.Duration

	mu            sync.Mutex
	subscriptions map[string]map[*subscriber]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func NewStreamClient(endpoint string) *StreamClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamClient{
		endpoint:         endpoint,
		HandshakeTimeout: 5 * time.Second,
		subscriptions:    make(map[string]map[*subscriber]struct{}),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Connect dials in the background. Subscribe fails until the socket is up.
func (c *StreamClient) Connect() {
	c.once.Do(func() {
		c.conn = &recws.RecConn{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.HandshakeTimeout,
			KeepAliveTimeout: pingDelay,
			NonVerbose:       true,
		}
		c.conn.Dial(c.endpoint, nil)

		go c.read()
	})
}

func (c *StreamClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *StreamClient) Subscribe(topic string) (*domain.Subscription[[]byte], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.IsConnected() {
		return nil, errors.Wrap(domain.ErrFeedUnavailable, "binance stream is not connected")
	}

	sub := &subscriber{ch: make(chan []byte, subscriberBuffer), done: make(chan struct{})}
	subscribers, ok := c.subscriptions[topic]
	if !ok {
		logger.WithField("topic", topic).Info("subscribing")

		err := c.conn.WriteJSON(WebSocketRequestModel{
			Method: "SUBSCRIBE",
			ReqId:  getRandomReqID(),
			Params: []string{topic},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "send subscribe for topic=%s", topic)
		}

		subscribers = make(map[*subscriber]struct{})
		c.subscriptions[topic] = subscribers
	}
	subscribers[sub] = struct{}{}

	var once sync.Once
	return &domain.Subscription[[]byte]{
		Stream: sub.ch,
		Unsubscribe: func() {
			once.Do(func() { c.unsubscribe(topic, sub) })
		},
		Topic: topic,
	}, nil
}

func (c *StreamClient) unsubscribe(topic string, sub *subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()

	close(sub.done)

	subscribers, ok := c.subscriptions[topic]
	if !ok {
		return
	}
	delete(subscribers, sub)
	if len(subscribers) > 0 {
		return
	}
	delete(c.subscriptions, topic)

	logger.WithField("topic", topic).Info("unsubscribing")
	if !c.IsConnected() {
		return
	}
	err := c.conn.WriteJSON(WebSocketRequestModel{
		Method: "UNSUBSCRIBE",
		ReqId:  getRandomReqID(),
		Params: []string{topic},
	})
	if err != nil {
		logger.WithError(err).WithField("topic", topic).Warn("failed to send unsubscribe")
	}
}

// Close stops the read loop, which then closes every subscriber stream.
func (c *StreamClient) Close() {
	c.cancel()
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *StreamClient) read() {
	defer c.dropAll()

	for {
		if c.ctx.Err() != nil {
			return
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, recws.ErrNotConnected) {
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(reconnectPollDelay):
				}
				continue
			}
			// the gap cannot be recovered, so subscribers resync from scratch
			logger.WithError(err).Warn("stream read failed, dropping subscriptions")
			c.dropAll()
			continue
		}

		var envelope struct {
			ID     *int   `json:"id"`
			Stream string `json:"stream"`
		}
		if err := json.Unmarshal(msg, &envelope); err != nil {
			logger.WithError(err).Warn("malformed stream message")
			continue
		}
		if envelope.ID != nil {
			if config.DebugMode {
				logger.Debugf("subscription ack, Id=%d", *envelope.ID)
			}
			continue
		}
		if envelope.Stream != "" {
			c.dispatch(envelope.Stream, msg)
		}
	}
}

func (c *StreamClient) dispatch(topic string, msg []byte) {
	c.mu.Lock()
	targets := make([]*subscriber, 0, len(c.subscriptions[topic]))
	for sub := range c.subscriptions[topic] {
		targets = append(targets, sub)
	}
	c.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-c.ctx.Done():
			return
		}
	}
}

// dropAll closes every subscriber stream. It runs on the read loop, the only
// sender.
func (c *StreamClient) dropAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for topic, subscribers := range c.subscriptions {
		for sub := range subscribers {
			close(sub.ch)
		}
		delete(c.subscriptions, topic)
	}
}

func getRandomReqID() int {
	min := 10000
	max := 9999999
	return min + rand.Intn(max-min)
}
