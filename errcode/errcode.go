package errcode

import "errors"

// Code is a stable error identifier shared by the state machines, the stats
// aggregate and the CLI. It is a string newtype and implements error.
type Code string

func (c Code) Error() string { return string(c) }

const (
	OK             Code = "ok"
	Busy           Code = "busy"
	Timeout        Code = "timeout"
	Denied         Code = "denied"
	NoFreeChannel  Code = "no_free_ch"
	BufferFull     Code = "buffer_full"
	NotConfigured  Code = "not_configured"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	NotDecoded     Code = "not_decoded"
	Unsupported    Code = "unsupported"
	BusReset       Code = "bus_reset"
	Deselected     Code = "deselected"

	Error Code = "error" // generic fallback
)

// E keeps an operation and a cause alongside a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Wrap builds an *E, returning nil for a nil cause.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from anywhere in an error chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	return Error
}

// FromReply maps a modem's negative reply word to a Code.
func FromReply(word string) Code {
	switch word {
	case "busy":
		return Busy
	case "denied":
		return Denied
	case "no_free_ch":
		return NoFreeChannel
	case "invalid_param":
		return InvalidParams
	case "radio_err":
		return Timeout
	}
	return Error
}
