package engine

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const defaultHandshakeTimeout = 5 * time.Second

// fetchWebSocket receives every message until the server closes normally.
// Message boundaries are not preserved; payloads are concatenated.
func fetchWebSocket(ctx context.Context, t *transfer) Code {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	if t.opts.connectTimeout > 0 {
		dialer.HandshakeTimeout = t.opts.connectTimeout
	}
	if t.opts.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	headers := http.Header{}
	for _, h := range t.opts.headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		headers.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	if t.opts.userAgent != "" {
		headers.Set("User-Agent", t.opts.userAgent)
	}

	conn, resp, err := dialer.DialContext(ctx, t.opts.url, headers)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			t.setResponse(resp.StatusCode, -1, t.opts.url)
			return CodeHTTPReturnedError
		}
		return classify(ctx, err)
	}
	t.setResponse(http.StatusSwitchingProtocols, -1, t.opts.url)

	// Closing the connection unblocks NextReader when the transfer is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		conn.Close()
	}()

	for {
		_, r, err := conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return CodeOK
			}
			if ctx.Err() != nil {
				return classify(ctx, ctx.Err())
			}
			return CodeRecvError
		}
		if err := t.pump(ctx, r); err != nil {
			return classify(ctx, err)
		}
	}
}
