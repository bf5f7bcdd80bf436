package rpc

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
	"github.com/spooky-finn/go-cryptomarkets-depthview/registry"
)

// serveWS upgrades /ws?symbol=&limit=&rounding= and streams frames until the
// client leaves. Bad parameters get an error frame and a close.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	msg, queryErr := subscribeFromQuery(r.URL.Query())

	if !s.track() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := newClient(conn, s.opts)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()

	if queryErr != nil {
		s.reject(c, queryErr)
		return
	}

	state, err := s.registry.OnConnect(s.ctx, c, msg)
	if err != nil {
		s.reject(c, err)
		return
	}

	s.readPump(c, state.ID)
}

func (s *Server) readPump(c *client, connectionID string) {
	defer func() {
		if err := s.registry.OnDisconnect(connectionID); err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
			logger.WithError(err).WithField("connection", connectionID).Warn("disconnect failed")
		}
		_ = c.Close()
	}()

	c.conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.WithError(err).WithField("connection", connectionID).Info("read error")
			}
			return
		}

		err = s.registry.HandleMessage(s.ctx, connectionID, data)
		switch {
		case err == nil, domain.IsValidationError(err):
		case errors.Is(err, domain.ErrConnectionNotFound):
			return
		default:
			logger.WithError(err).WithField("connection", connectionID).Warn("message handling failed")
		}
	}
}

func (s *Server) reject(c *client, cause error) {
	if config.DebugMode {
		logger.Debugf("rejecting websocket connection: %v", cause)
	}
	_ = c.Send(registry.EncodeError(cause.Error()))
	_ = c.Close()
}

func subscribeFromQuery(query url.Values) (registry.SubscribeMessage, error) {
	msg := registry.SubscribeMessage{Symbol: query.Get("symbol")}
	if msg.Symbol == "" {
		return msg, domain.NewValidationError("symbol", "is required")
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return msg, domain.NewValidationError("limit", "must be an integer")
		}
		msg.Limit = &limit
	}
	if raw := query.Get("rounding"); raw != "" {
		rounding, err := decimal.NewFromString(raw)
		if err != nil {
			return msg, domain.NewValidationError("rounding", "must be a number")
		}
		msg.Rounding = &rounding
	}
	return msg, nil
}

type healthResponse struct {
	Status      string `json:"status"`
	Books       int    `json:"books"`
	StaleBooks  int    `json:"stale_books"`
	Connections int    `json:"connections"`
}

func (s *Server) serveHealthz(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{
		Status:      "ok",
		Books:       s.books.ActiveBooks(),
		StaleBooks:  s.books.StaleBooks(),
		Connections: s.registry.Connections(),
	}
	if res.StaleBooks > 0 {
		res.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		logger.WithError(err).Warn("write health response")
	}
}
