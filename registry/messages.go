package registry

import (
	"encoding/json"
	"math"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

const (
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUpdateParams = "update_params"
	MessageTypeUnsubscribe  = "unsubscribe"

	FrameTypeParamsUpdated = "params_updated"
	FrameTypeError         = "error"

	statusSuccess = "success"
)

// InboundMessage is one of SubscribeMessage, UpdateParamsMessage or
// UnsubscribeMessage.
type InboundMessage interface {
	inbound()
}

// SubscribeMessage opens a connection or moves a live one to another symbol.
// Missing fields fall back to the configured defaults.
type SubscribeMessage struct {
	Symbol   string
	Limit    *int
	Rounding *decimal.Decimal
}

// UpdateParamsMessage changes the view of a live connection in place.
// Missing fields keep their current value.
type UpdateParamsMessage struct {
	Limit    *int
	Rounding *decimal.Decimal
}

type UnsubscribeMessage struct{}

func (SubscribeMessage) inbound()    {}
func (UpdateParamsMessage) inbound() {}
func (UnsubscribeMessage) inbound()  {}

type inboundEnvelope struct {
	Type     string       `json:"type"`
	Symbol   string       `json:"symbol"`
	Limit    *json.Number `json:"limit"`
	Rounding *json.Number `json:"rounding"`
}

// DecodeInbound parses a client control message. Any malformed input is a
// *domain.ValidationError.
func DecodeInbound(data []byte) (InboundMessage, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, domain.NewValidationError("message", "malformed json")
	}

	limit, err := decodeLimit(envelope.Limit)
	if err != nil {
		return nil, err
	}
	rounding, err := decodeRounding(envelope.Rounding)
	if err != nil {
		return nil, err
	}

	switch envelope.Type {
	case MessageTypeSubscribe:
		if envelope.Symbol == "" {
			return nil, domain.NewValidationError("symbol", "is required")
		}
		return SubscribeMessage{Symbol: envelope.Symbol, Limit: limit, Rounding: rounding}, nil
	case MessageTypeUpdateParams:
		if limit == nil && rounding == nil {
			return nil, domain.NewValidationError("message", "update_params needs limit or rounding")
		}
		return UpdateParamsMessage{Limit: limit, Rounding: rounding}, nil
	case MessageTypeUnsubscribe:
		return UnsubscribeMessage{}, nil
	case "":
		return nil, domain.NewValidationError("type", "is required")
	default:
		return nil, domain.NewValidationError("type", "unknown message type "+envelope.Type)
	}
}

func decodeLimit(raw *json.Number) (*int, error) {
	if raw == nil {
		return nil, nil
	}
	v, err := raw.Int64()
	if err != nil {
		return nil, domain.NewValidationError("limit", "must be an integer")
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return nil, domain.NewValidationError("limit", "out of range")
	}
	limit := int(v)
	return &limit, nil
}

func decodeRounding(raw *json.Number) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	v, err := decimal.NewFromString(raw.String())
	if err != nil {
		return nil, domain.NewValidationError("rounding", "must be a number")
	}
	return &v, nil
}

type paramsUpdatedFrame struct {
	Type         string      `json:"type"`
	ConnectionID string      `json:"connection_id"`
	Symbol       string      `json:"symbol,omitempty"`
	Limit        int         `json:"limit"`
	Rounding     json.Number `json:"rounding"`
	Status       string      `json:"status"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func encodeParamsUpdated(id, symbol string, limit int, rounding decimal.Decimal) []byte {
	frame, _ := json.Marshal(paramsUpdatedFrame{
		Type:         FrameTypeParamsUpdated,
		ConnectionID: id,
		Symbol:       symbol,
		Limit:        limit,
		Rounding:     json.Number(rounding.String()),
		Status:       statusSuccess,
	})
	return frame
}

// EncodeError builds an error frame for message.
func EncodeError(message string) []byte {
	frame, _ := json.Marshal(errorFrame{Type: FrameTypeError, Message: message})
	return frame
}
