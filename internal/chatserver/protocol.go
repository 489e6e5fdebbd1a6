package chatserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/cory-johannsen/parley/internal/chat"
)

// Client request event names.
const (
	EventLogin                       = "login"
	EventLogout                      = "logout"
	EventSetActiveServer             = "setActiveServer"
	EventSetActiveChannel            = "setActiveChannel"
	EventGetStartupData              = "getStartupData"
	EventCreateServer                = "createServer"
	EventCreateChannel               = "createChannel"
	EventInviteUsersToServer         = "inviteUsersToServer"
	EventGetLatestMessagesForChannel = "getLatestMessagesForChannel"
	EventGetLastMessageForDmChannels = "getLastMessageForDmChannels"
	EventGetOldestMessages           = "getOldestMessages"
	EventGetNewestMessages           = "getNewestMessages"

	// EventAck correlates a response with the request id that asked for it.
	EventAck = "ack"
	// EventError reports a failed request that carried no id.
	EventError = "error"
)

// ErrMalformedFrame is returned by Handle when an inbound frame cannot be
// decoded. The transport closes the connection on it.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one client request.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeFrame parses a raw client frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}
	return f, nil
}

// ErrorBody is the client-visible form of an error.
type ErrorBody struct {
	Code    chat.Code `json:"code"`
	Message string    `json:"message"`
}

func errorBody(err error) *ErrorBody {
	return &ErrorBody{Code: chat.CodeOf(err), Message: chat.PublicMessage(err)}
}

// Ack is the single response shape for every request that carries an id.
type Ack struct {
	Event string     `json:"event"`
	ID    string     `json:"id"`
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// NewAck builds the acknowledgement of request id.
func NewAck(id string, data any, err error) Ack {
	ack := Ack{Event: EventAck, ID: id, OK: err == nil, Data: data}
	if err != nil {
		ack.Error = errorBody(err)
	}
	return ack
}

// ErrorFrame reports a failure of a request without an id.
type ErrorFrame struct {
	Event string     `json:"event"`
	Error *ErrorBody `json:"error"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodePayload unmarshals data into T and validates it. An absent payload
// decodes to the zero T, which is then validated like any other.
func decodePayload[T any](data json.RawMessage) (T, error) {
	var req T
	if len(data) > 0 && !bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		if err := json.Unmarshal(data, &req); err != nil {
			if errors.Is(err, chat.ErrBadRequest) {
				return req, err
			}
			return req, fmt.Errorf("%w: %w", chat.ErrBadRequest, err)
		}
	}
	if err := validate.Struct(req); err != nil {
		return req, validationError(err)
	}
	return req, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", chat.ErrBadRequest, err)
	}
	msgs := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		// Namespace is "<struct>.<field path>"; clients only know the path.
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		if fe.Param() != "" {
			return fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s must satisfy %s", field, fe.Tag())
	})
	return fmt.Errorf("%w: %s", chat.ErrBadRequest, strings.Join(msgs, "; "))
}
