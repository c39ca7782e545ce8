package chat

import (
	"errors"
	"fmt"
)

var (
	ErrConversationRequired = errors.New("conversation id is required")
	ErrConversationNotOpen  = errors.New("conversation not open")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotFailed            = errors.New("message is not in failed state")
	ErrEmptyMessage         = errors.New("message has neither text nor attachment")
	ErrInvalidReason        = errors.New("invalid abuse reason")
)

// TransportError is a socket or network failure. It is always retried, by
// backoff or by the user, and never treated as fatal.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an inbound frame that could not be understood. The frame
// is dropped and the connection stays open.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ApplicationError is a server rejection of a single operation.
type ApplicationError struct {
	Op      string
	Status  int
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected with status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s rejected with status %d: %s", e.Op, e.Status, e.Message)
}

func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}

func IsProtocol(err error) bool {
	var p *ProtocolError
	return errors.As(err, &p)
}

func IsApplication(err error) bool {
	var a *ApplicationError
	return errors.As(err, &a)
}
