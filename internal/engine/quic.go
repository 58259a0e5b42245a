package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for quic:// transfers.
	ALPNProtocol = "fetchmux-quic-v1"
)

// QUICServerTLSConfig returns a TLS configuration for serving quic:// transfers.
// Uses a self-signed certificate, so clients need OptInsecureSkipVerify.
func QUICServerTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// quicClientTLSConfig returns the TLS configuration for dialing host.
func quicClientTLSConfig(host string, insecure bool) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: insecure,
		NextProtos:         []string{ALPNProtocol},
	}
}

// DefaultQUICConfig returns the QUIC config used for quic:// transfers.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		InitialConnectionReceiveWindow: 2 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     1 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

// fetchQUIC opens one stream, sends the request line and reads the reply to EOF.
func fetchQUIC(ctx context.Context, t *transfer) Code {
	u, err := url.Parse(t.opts.url)
	if err != nil || u.Host == "" {
		return CodeURLMalformat
	}
	host, _, err := net.SplitHostPort(u.Host)
	if err != nil {
		return CodeURLMalformat
	}
	path := u.RequestURI()

	dialCtx := ctx
	if t.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.opts.connectTimeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(dialCtx, u.Host, quicClientTLSConfig(host, t.opts.insecure), DefaultQUICConfig())
	if err != nil {
		if ctx.Err() == nil && dialCtx.Err() != nil {
			return CodeOperationTimedOut
		}
		return classifyQUIC(ctx, err)
	}
	defer conn.CloseWithError(0, "")

	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return classifyQUIC(ctx, err)
	}
	if _, err := fmt.Fprintf(str, "GET %s\r\n", path); err != nil {
		return classifyQUIC(ctx, err)
	}
	// Close only the send direction; the reply is still read below.
	if err := str.Close(); err != nil {
		return classifyQUIC(ctx, err)
	}
	t.setResponse(0, -1, t.opts.url)

	if err := t.pump(ctx, str); err != nil {
		return classifyQUIC(ctx, err)
	}
	return CodeOK
}

func classifyQUIC(ctx context.Context, err error) Code {
	var idle *quic.IdleTimeoutError
	var hs *quic.HandshakeTimeoutError
	if errors.As(err, &idle) || errors.As(err, &hs) {
		return CodeCouldntConnect
	}
	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) && transportErr.ErrorCode.IsCryptoError() {
		return CodeSSLConnectError
	}
	return classify(ctx, err)
}

// generateSelfSignedCert generates a self-signed certificate for quic:// servers.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"fetchmux"}},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}
