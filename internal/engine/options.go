package engine

import (
	"fmt"
	"time"
)

// WriteFunc receives body bytes on the goroutine that calls Perform.
// Returning fewer than len(p) aborts the transfer with CodeWriteError.
// p is only valid for the duration of the call.
type WriteFunc func(p []byte) int

// Option is a per-handle setting for Easy.SetOption.
type Option int

const (
	OptURL                Option = iota + 1 // string
	OptTimeout                              // time.Duration, whole transfer, 0 = none
	OptConnectTimeout                       // time.Duration, connect and handshake
	OptHeader                               // string "Key: Value", appends
	OptUserAgent                            // string
	OptRangeFrom                            // int64 byte offset to resume from
	OptMaxRecvSpeed                         // int64 bytes/sec, 0 = unlimited
	OptAcceptEncoding                       // string, e.g. "gzip, zstd"
	OptFailOnError                          // bool, HTTP status >= 400 fails the transfer
	OptInsecureSkipVerify                   // bool
	OptWriteFunc                            // WriteFunc
)

// MultiOption is an engine-wide setting for Multi.SetOption.
type MultiOption int

const (
	// OptPipelining (bool) allows HTTP/2 multiplexing across transfers. Off by default.
	OptPipelining MultiOption = iota + 1
	// OptStepBudget (int) caps chunks delivered per Perform call.
	OptStepBudget
)

type easyOptions struct {
	url            string
	timeout        time.Duration
	connectTimeout time.Duration
	headers        []string
	userAgent      string
	rangeFrom      int64
	maxRecvSpeed   int64
	acceptEncoding string
	failOnError    bool
	insecure       bool
	write          WriteFunc
}

func (o *easyOptions) set(opt Option, val any) error {
	var ok bool
	switch opt {
	case OptURL:
		o.url, ok = val.(string)
	case OptTimeout:
		o.timeout, ok = val.(time.Duration)
	case OptConnectTimeout:
		o.connectTimeout, ok = val.(time.Duration)
	case OptHeader:
		var h string
		if h, ok = val.(string); ok {
			o.headers = append(o.headers, h)
		}
	case OptUserAgent:
		o.userAgent, ok = val.(string)
	case OptRangeFrom:
		o.rangeFrom, ok = val.(int64)
	case OptMaxRecvSpeed:
		o.maxRecvSpeed, ok = val.(int64)
	case OptAcceptEncoding:
		o.acceptEncoding, ok = val.(string)
	case OptFailOnError:
		o.failOnError, ok = val.(bool)
	case OptInsecureSkipVerify:
		o.insecure, ok = val.(bool)
	case OptWriteFunc:
		switch fn := val.(type) {
		case WriteFunc:
			o.write, ok = fn, true
		case func([]byte) int:
			o.write, ok = fn, true
		case nil:
			o.write, ok = nil, true
		}
	default:
		return fmt.Errorf("option %d: %w", opt, ErrUnknownOption)
	}
	if !ok {
		return fmt.Errorf("option %d got %T: %w", opt, val, ErrBadOptionValue)
	}
	return nil
}

// clone copies o so a running transfer is unaffected by later SetOption calls.
func (o easyOptions) clone() easyOptions {
	o.headers = append([]string(nil), o.headers...)
	return o
}
