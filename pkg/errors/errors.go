package errors

import (
	"context"
	"errors"
	"fmt"
)

type ProbeError struct {
	Code    string
	Message string
	Cause   error
	// ReplyCode is the SOCKS5 reply field for ErrCodeProxyConnect, 0 otherwise.
	ReplyCode byte
}

func (e *ProbeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProbeError) Unwrap() error { return e.Cause }

// Is matches any *ProbeError carrying the same code, so the sentinels below
// work with errors.Is regardless of message or cause.
func (e *ProbeError) Is(target error) bool {
	t, ok := target.(*ProbeError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

const (
	ErrCodeInvalidConfig        = "INVALID_CONFIG"
	ErrCodeInvalidSize          = "INVALID_SIZE"
	ErrCodeMalformedPacket      = "MALFORMED_PACKET"
	ErrCodeProxyAuthUnsupported = "PROXY_AUTH_UNSUPPORTED"
	ErrCodeProxyAuthFailed      = "PROXY_AUTH_FAILED"
	ErrCodeProxyConnect         = "PROXY_CONNECT"
	ErrCodeProxyChannelFailed   = "PROXY_CHANNEL_FAILED"
	ErrCodeConnectionFailed     = "CONNECTION_FAILED"
	ErrCodeConnectionReset      = "CONNECTION_RESET"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeCancelled            = "CANCELLED"
)

var (
	ErrInvalidConfigCode        = &ProbeError{Code: ErrCodeInvalidConfig}
	ErrInvalidSizeCode          = &ProbeError{Code: ErrCodeInvalidSize}
	ErrMalformedPacketCode      = &ProbeError{Code: ErrCodeMalformedPacket}
	ErrProxyAuthUnsupportedCode = &ProbeError{Code: ErrCodeProxyAuthUnsupported}
	ErrProxyAuthFailedCode      = &ProbeError{Code: ErrCodeProxyAuthFailed}
	ErrProxyConnectCode         = &ProbeError{Code: ErrCodeProxyConnect}
	ErrProxyChannelFailedCode   = &ProbeError{Code: ErrCodeProxyChannelFailed}
	ErrConnectionFailedCode     = &ProbeError{Code: ErrCodeConnectionFailed}
	ErrConnectionResetCode      = &ProbeError{Code: ErrCodeConnectionReset}
	ErrTimeoutCode              = &ProbeError{Code: ErrCodeTimeout}
	ErrCancelledCode            = &ProbeError{Code: ErrCodeCancelled}
)

func ErrInvalidConfig(msg string, cause error) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeInvalidConfig,
		Message: msg,
		Cause:   cause,
	}
}

func ErrInvalidSize(size, minSize int) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeInvalidSize,
		Message: fmt.Sprintf("message size %d is below the %d byte header", size, minSize),
	}
}

func ErrMalformedPacket(length, minLen int) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeMalformedPacket,
		Message: fmt.Sprintf("packet too short: %d bytes (need at least %d)", length, minLen),
	}
}

func ErrProxyAuthUnsupported(method byte) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeProxyAuthUnsupported,
		Message: fmt.Sprintf("proxy accepted none of the offered auth methods (selected 0x%02x)", method),
	}
}

func ErrProxyAuthFailed(status byte) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeProxyAuthFailed,
		Message: fmt.Sprintf("proxy rejected credentials (status 0x%02x)", status),
	}
}

func ErrProxyConnect(reply byte, text string) *ProbeError {
	return &ProbeError{
		Code:      ErrCodeProxyConnect,
		Message:   text,
		ReplyCode: reply,
	}
}

func ErrProxyChannelFailed(msg string, cause error) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeProxyChannelFailed,
		Message: msg,
		Cause:   cause,
	}
}

func ErrConnectionFailed(msg string, cause error) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeConnectionFailed,
		Message: msg,
		Cause:   cause,
	}
}

func ErrConnectionReset(cause error) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeConnectionReset,
		Message: "connection closed by peer",
		Cause:   cause,
	}
}

func ErrTimeout(msg string) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeTimeout,
		Message: msg,
	}
}

func ErrCancelled(cause error) *ProbeError {
	return &ProbeError{
		Code:    ErrCodeCancelled,
		Message: "run cancelled",
		Cause:   cause,
	}
}

// Code returns the ProbeError code found in err's chain, or "" if none.
func Code(err error) string {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsProxyError reports whether err came from proxy negotiation or the relay.
func IsProxyError(err error) bool {
	switch Code(err) {
	case ErrCodeProxyAuthUnsupported, ErrCodeProxyAuthFailed, ErrCodeProxyConnect, ErrCodeProxyChannelFailed:
		return true
	}
	return false
}

func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
