package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrCancelled indicates the request was abandoned because its context was
// cancelled.
type ErrCancelled struct {
	Err error
}

func (e ErrCancelled) Error() string {
	return fmt.Errorf("cancelled: %w", e.Err).Error()
}

func (e ErrCancelled) Unwrap() error {
	return e.Err
}

// classifyTransportError maps a transport failure onto the typed errors
// above. Unrecognised failures are returned unchanged.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrConnection{Err: err}
	}
	return err
}

// transportKind is the label recorded as the transient error detail.
func transportKind(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var cancelled ErrCancelled
	if errors.As(err, &cancelled) {
		return "cancelled"
	}
	return "transport"
}
