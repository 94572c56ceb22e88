package domain

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrorKind classifies failures returned by the escrow manager.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not_found"
	KindInvalidState ErrorKind = "invalid_state"
	KindGateway      ErrorKind = "gateway"
	KindPersistence  ErrorKind = "persistence"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrInvalidState = &Error{Kind: KindInvalidState}
	ErrGateway      = &Error{Kind: KindGateway}
	ErrPersistence  = &Error{Kind: KindPersistence}
)

// ErrStatusConflict is returned by repositories when a conditional status
// update matched no row because the record left the expected status.
var ErrStatusConflict = errors.New("escrow payment status changed concurrently")

const (
	MsgNotPending      = "Escrow payment is not in pending status"
	MsgNotPaid         = "Escrow payment is not in paid status"
	MsgNotRefundable   = "Escrow payment is not in paid or released status"
	MsgNotFound        = "Escrow payment not found"
	MsgGatewayFailed   = "Payment provider request failed"
	MsgPersistenceFail = "Escrow payment could not be saved"
)

// Error is the single error type crossing the escrow manager boundary.
// Message is safe to show to a caller; Err carries the internal cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

func ValidationErr(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func NotFoundErr(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func InvalidStateErr(msg string, cause error) *Error {
	return &Error{Kind: KindInvalidState, Message: msg, Err: cause}
}

// GatewayErr wraps a gateway failure. detail comes from the provider and is
// sanitized before it becomes part of the public message.
func GatewayErr(detail string, cause error) *Error {
	msg := MsgGatewayFailed
	if d := SanitizeGatewayMessage(detail); d != "" {
		msg = msg + ": " + d
	}
	return &Error{Kind: KindGateway, Message: msg, Err: cause}
}

func PersistenceErr(cause error) *Error {
	return &Error{Kind: KindPersistence, Message: MsgPersistenceFail, Err: cause}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// PublicMessage returns the caller-facing text for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "Unexpected error"
}

const maxGatewayMessage = 200

// SanitizeGatewayMessage strips control characters and bounds the length of
// text received from the payment provider.
func SanitizeGatewayMessage(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxGatewayMessage {
		s = string(r[:maxGatewayMessage])
	}
	return s
}
