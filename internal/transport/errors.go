package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
)

// Kind classifies delivery failures that are worth retrying later.
type Kind int

const (
	// KindConnect covers dial, TLS and broken-connection failures
	KindConnect Kind = iota + 1
	// KindSenderRefused means the server rejected MAIL FROM
	KindSenderRefused
	// KindRecipientRefused means the server rejected every RCPT TO
	KindRecipientRefused
	// KindAuth means the server rejected our credentials
	KindAuth
	// KindUnavailable means the circuit breaker is open and no attempt was made
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindSenderRefused:
		return "sender refused"
	case KindRecipientRefused:
		return "recipient refused"
	case KindAuth:
		return "authentication"
	case KindUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DeliveryError is a classified delivery failure. The message that hit it
// should be deferred and retried; anything else is a bug or an unmodelled
// failure and must abort the sweep.
type DeliveryError struct {
	Kind Kind
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Code returns the SMTP reply code behind the failure, or 0.
func (e *DeliveryError) Code() int {
	var tpErr *textproto.Error
	if errors.As(e.Err, &tpErr) {
		return tpErr.Code
	}
	return 0
}

// IsClassified reports whether err is a DeliveryError.
func IsClassified(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// KindOf returns the classification of err, or 0 when it has none.
func KindOf(err error) Kind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

func classified(kind Kind, err error) error {
	return &DeliveryError{Kind: kind, Err: err}
}

// isConnError reports whether err came from the network rather than from an
// SMTP reply.
func isConnError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifyReply maps a failure at an SMTP step. Server replies become kind
// (a zero kind leaves them unclassified); network failures become
// KindConnect; everything else is left alone.
func classifyReply(kind Kind, err error) error {
	var tpErr *textproto.Error
	switch {
	case kind != 0 && errors.As(err, &tpErr):
		return classified(kind, err)
	case isConnError(err):
		return classified(KindConnect, err)
	default:
		return err
	}
}
