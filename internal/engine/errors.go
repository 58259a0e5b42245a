package engine

import (
	"errors"
	"strconv"
)

var (
	// ErrCallMultiPerform means Perform stopped early with more work ready; call it again.
	ErrCallMultiPerform = errors.New("engine: call perform again")
	// ErrBadHandle is returned for a nil handle or one that is not attached to this Multi.
	ErrBadHandle = errors.New("engine: bad handle")
	// ErrAddedAlready is returned when adding a handle that is attached to a Multi.
	ErrAddedAlready = errors.New("engine: handle already added")
	// ErrClosed is returned by every Multi method after Close.
	ErrClosed = errors.New("engine: closed")
	// ErrUnknownOption is returned by SetOption for an option it does not know.
	ErrUnknownOption = errors.New("engine: unknown option")
	// ErrBadOptionValue is returned by SetOption when the value has the wrong type.
	ErrBadOptionValue = errors.New("engine: bad option value")
)

// Code is the result of one transfer. CodeOK is success; every other value is a
// failure and implements error.
type Code int

const (
	CodeOK                  Code = 0
	CodeUnsupportedProtocol Code = 1
	CodeURLMalformat        Code = 3
	CodeCouldntResolveHost  Code = 6
	CodeCouldntConnect      Code = 7
	CodeHTTPReturnedError   Code = 22
	CodeWriteError          Code = 23
	CodeOperationTimedOut   Code = 28
	CodeSSLConnectError     Code = 35
	CodeAbortedByCallback   Code = 42
	CodeRecvError           Code = 56
	CodeBadContentEncoding  Code = 61
)

var codeNames = map[Code]string{
	CodeOK:                  "ok",
	CodeUnsupportedProtocol: "unsupported protocol",
	CodeURLMalformat:        "malformed url",
	CodeCouldntResolveHost:  "could not resolve host",
	CodeCouldntConnect:      "could not connect",
	CodeHTTPReturnedError:   "http returned error",
	CodeWriteError:          "write callback failed",
	CodeOperationTimedOut:   "operation timed out",
	CodeSSLConnectError:     "tls handshake failed",
	CodeAbortedByCallback:   "aborted",
	CodeRecvError:           "receive failed",
	CodeBadContentEncoding:  "bad content encoding",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "code " + strconv.Itoa(int(c))
}

func (c Code) Error() string {
	return "transfer: " + c.String()
}

// OK reports whether c is CodeOK.
func (c Code) OK() bool {
	return c == CodeOK
}

// AsError returns nil for CodeOK and c otherwise.
func (c Code) AsError() error {
	if c == CodeOK {
		return nil
	}
	return c
}
