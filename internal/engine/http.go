package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const defaultConnectTimeout = 30 * time.Second

type transportKey struct {
	insecure       bool
	connectTimeout time.Duration
}

// newTransport builds the transport shared by every handle with the same key.
// Without pipelining HTTP/2 is disabled so transfers never share a connection stream-wise.
func newTransport(key transportKey, pipelining bool) *http.Transport {
	connectTimeout := key.connectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     pipelining,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: time.Second,
	}
	if key.insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if !pipelining {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	return tr
}

func (m *Multi) httpFetcher(opts easyOptions) fetcher {
	key := transportKey{insecure: opts.insecure, connectTimeout: opts.connectTimeout}
	tr, ok := m.transports[key]
	if !ok {
		tr = newTransport(key, m.pipelining)
		m.transports[key] = tr
	}
	client := &http.Client{Transport: tr}

	return func(ctx context.Context, t *transfer) Code {
		return fetchHTTP(ctx, client, t)
	}
}

func fetchHTTP(ctx context.Context, client *http.Client, t *transfer) Code {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.opts.url, nil)
	if err != nil {
		return CodeURLMalformat
	}
	for _, h := range t.opts.headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		req.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	if t.opts.userAgent != "" {
		req.Header.Set("User-Agent", t.opts.userAgent)
	}
	if t.opts.rangeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", t.opts.rangeFrom))
	}
	if t.opts.acceptEncoding != "" {
		// Setting the header turns off net/http's transparent gzip; we decode below.
		req.Header.Set("Accept-Encoding", t.opts.acceptEncoding)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()

	t.setResponse(resp.StatusCode, resp.ContentLength, resp.Request.URL.String())
	if t.opts.failOnError && resp.StatusCode >= http.StatusBadRequest {
		return CodeHTTPReturnedError
	}

	body, closeBody, code := decodeBody(resp, t.opts.acceptEncoding != "")
	if code != CodeOK {
		return code
	}
	defer closeBody()

	if err := t.pump(ctx, body); err != nil {
		return classify(ctx, err)
	}
	return CodeOK
}

// decodeBody wraps the response body according to Content-Encoding.
func decodeBody(resp *http.Response, decode bool) (io.Reader, func(), Code) {
	noop := func() {}
	if !decode {
		return resp.Body, noop, CodeOK
	}
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, noop, CodeOK
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, noop, CodeBadContentEncoding
		}
		return zr, func() { zr.Close() }, CodeOK
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, noop, CodeBadContentEncoding
		}
		return zr, zr.Close, CodeOK
	default:
		return nil, noop, CodeBadContentEncoding
	}
}
