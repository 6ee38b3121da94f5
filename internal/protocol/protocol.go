// Package protocol defines the realtime events exchanged over the websocket
// and their {"event","data"} frame encoding.
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/pliu/tandem/internal/apperr"
	"github.com/pliu/tandem/internal/models"
)

const (
	EventIdentify          = "identify"
	EventRegisterKey       = "register_key"
	EventRequestPartnerKey = "request_partner_key"
	EventPartnerKey        = "partner_key"
	EventSendMessage       = "send_message"
	EventReceiveMessage    = "receive_message"
	EventMessageDelivered  = "message_delivered"
	EventMessageAck        = "message_ack"
	EventMessageRead       = "message_read"
	EventUserTyping        = "user_typing"
	EventUserStopTyping    = "user_stop_typing"
	EventPartnerTyping     = "partner_typing"
	EventPartnerStopTyping = "partner_stop_typing"
	EventError             = "error"
)

// Frame is the wire envelope of every event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is anything that can be framed.
type Event interface {
	EventName() string
}

// Inbound events travel client to server.
type Inbound interface {
	Event
	inbound()
}

// Outbound events travel server to client.
type Outbound interface {
	Event
	outbound()
}

// Identify carries the user id the client believes it is. On the wire it is
// a bare JSON string; an object with a userId field is accepted too.
type Identify struct {
	UserID string
}

func (m Identify) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.UserID)
}

func (m *Identify) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &m.UserID)
	}
	var obj struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	m.UserID = obj.UserID
	return nil
}

type RegisterKey struct {
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
}

type RequestPartnerKey struct {
	PartnerID string `json:"partnerId"`
}

type SendMessage struct {
	models.Message
}

type MessageAck struct {
	MessageID string `json:"messageId"`
}

type MessageRead struct {
	MessageID string `json:"messageId"`
}

type UserTyping struct{}

type UserStopTyping struct{}

// PartnerKey answers request_partner_key. A nil PublicKey encodes as null.
type PartnerKey struct {
	PublicKey *string `json:"publicKey"`
}

type ReceiveMessage struct {
	models.Message
}

type MessageDelivered struct {
	MessageID string `json:"messageId"`
}

type MessageReadReceipt struct {
	MessageID string `json:"messageId"`
}

type PartnerTyping struct{}

type PartnerStopTyping struct{}

type ErrorEvent struct {
	Message string `json:"message"`
}

func (Identify) EventName() string          { return EventIdentify }
func (RegisterKey) EventName() string       { return EventRegisterKey }
func (RequestPartnerKey) EventName() string { return EventRequestPartnerKey }
func (SendMessage) EventName() string       { return EventSendMessage }
func (MessageAck) EventName() string        { return EventMessageAck }
func (MessageRead) EventName() string       { return EventMessageRead }
func (UserTyping) EventName() string        { return EventUserTyping }
func (UserStopTyping) EventName() string    { return EventUserStopTyping }

func (PartnerKey) EventName() string         { return EventPartnerKey }
func (ReceiveMessage) EventName() string     { return EventReceiveMessage }
func (MessageDelivered) EventName() string   { return EventMessageDelivered }
func (MessageReadReceipt) EventName() string { return EventMessageRead }
func (PartnerTyping) EventName() string      { return EventPartnerTyping }
func (PartnerStopTyping) EventName() string  { return EventPartnerStopTyping }
func (ErrorEvent) EventName() string         { return EventError }

func (Identify) inbound()          {}
func (RegisterKey) inbound()       {}
func (RequestPartnerKey) inbound() {}
func (SendMessage) inbound()       {}
func (MessageAck) inbound()        {}
func (MessageRead) inbound()       {}
func (UserTyping) inbound()        {}
func (UserStopTyping) inbound()    {}

func (PartnerKey) outbound()         {}
func (ReceiveMessage) outbound()     {}
func (MessageDelivered) outbound()   {}
func (MessageReadReceipt) outbound() {}
func (PartnerTyping) outbound()      {}
func (PartnerStopTyping) outbound()  {}
func (ErrorEvent) outbound()         {}

// bodiless events carry no data on the wire.
func bodiless(ev Event) bool {
	switch ev.(type) {
	case UserTyping, UserStopTyping, PartnerTyping, PartnerStopTyping:
		return true
	}
	return false
}

// Encode frames ev as {"event": name, "data": payload}.
func Encode(ev Event) ([]byte, error) {
	f := Frame{Event: ev.EventName()}
	if !bodiless(ev) {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "encode "+f.Event, err)
		}
		f.Data = data
	}
	return json.Marshal(f)
}

// ErrorFrame is the pre-encoded form of an error event.
func ErrorFrame(message string) []byte {
	b, _ := Encode(ErrorEvent{Message: message})
	return b
}

func readFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, apperr.InvalidArg("malformed frame")
	}
	if f.Event == "" {
		return f, apperr.InvalidArg("frame has no event name")
	}
	return f, nil
}

func decodeData(f Frame, v interface{}) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return apperr.InvalidArg(f.Event + ": missing payload")
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return apperr.InvalidArg(f.Event + ": malformed payload")
	}
	return nil
}

func inboundAs[T Inbound](f Frame) (Inbound, error) {
	var m T
	if err := decodeData(f, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func outboundAs[T Outbound](f Frame) (Outbound, error) {
	var m T
	if err := decodeData(f, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeInbound parses a client frame into one of the closed set of inbound
// events. Unknown event names are rejected.
func DecodeInbound(raw []byte) (Inbound, error) {
	f, err := readFrame(raw)
	if err != nil {
		return nil, err
	}
	switch f.Event {
	case EventIdentify:
		return inboundAs[Identify](f)
	case EventRegisterKey:
		return inboundAs[RegisterKey](f)
	case EventRequestPartnerKey:
		// An empty payload asks for the caller's own partner.
		if len(f.Data) == 0 || string(f.Data) == "null" {
			return RequestPartnerKey{}, nil
		}
		return inboundAs[RequestPartnerKey](f)
	case EventSendMessage:
		return inboundAs[SendMessage](f)
	case EventMessageAck:
		return inboundAs[MessageAck](f)
	case EventMessageRead:
		return inboundAs[MessageRead](f)
	case EventUserTyping:
		return UserTyping{}, nil
	case EventUserStopTyping:
		return UserStopTyping{}, nil
	}
	return nil, apperr.InvalidArg("unknown event " + f.Event)
}

// DecodeOutbound parses a server frame; the client side of DecodeInbound.
func DecodeOutbound(raw []byte) (Outbound, error) {
	f, err := readFrame(raw)
	if err != nil {
		return nil, err
	}
	switch f.Event {
	case EventPartnerKey:
		return outboundAs[PartnerKey](f)
	case EventReceiveMessage:
		return outboundAs[ReceiveMessage](f)
	case EventMessageDelivered:
		return outboundAs[MessageDelivered](f)
	case EventMessageRead:
		return outboundAs[MessageReadReceipt](f)
	case EventPartnerTyping:
		return PartnerTyping{}, nil
	case EventPartnerStopTyping:
		return PartnerStopTyping{}, nil
	case EventError:
		return outboundAs[ErrorEvent](f)
	}
	return nil, apperr.InvalidArg("unknown event " + f.Event)
}
