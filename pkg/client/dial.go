package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
)

// Endpoint is a parsed OVSDB connection method
type Endpoint struct {
	// Scheme is one of tcp, ssl or unix
	Scheme  string
	Address string
}

func (e Endpoint) String() string {
	return e.Scheme + ":" + e.Address
}

func (e Endpoint) network() string {
	if e.Scheme == "unix" {
		return "unix"
	}
	return "tcp"
}

// ParseEndpoint parses an endpoint of the form tcp:host:port, ssl:host:port or
// unix:path
func ParseEndpoint(s string) (Endpoint, error) {
	scheme, address, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || address == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q", s)
	}
	switch scheme {
	case "tcp", "ssl":
		if _, _, err := net.SplitHostPort(address); err != nil {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q: %v", s, err)
		}
	case "unix":
	default:
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: unknown scheme %q", s, scheme)
	}
	return Endpoint{Scheme: scheme, Address: address}, nil
}

// ParseEndpoints parses a comma separated list of endpoints
func ParseEndpoints(s string) ([]Endpoint, error) {
	var endpoints []Endpoint
	var errs []error
	for _, e := range strings.Split(s, ",") {
		if strings.TrimSpace(e) == "" {
			continue
		}
		ep, err := ParseEndpoint(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		endpoints = append(endpoints, ep)
	}
	if len(errs) > 0 {
		return nil, utilerrors.NewAggregate(errs)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoint in %q", s)
	}
	return endpoints, nil
}

// NewTLSConfig loads the client key pair and the CA certificate used to verify
// ssl: endpoints
func NewTLSConfig(certFile, privKeyFile, caCertFile, serverName string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, privKeyFile)
	if err != nil {
		return nil, fmt.Errorf("error generating x509 certs for ovsdb client: %s", err)
	}
	caCert, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, fmt.Errorf("error generating ca certs for ovsdb client: %s", err)
	}
	caCertPool := x509.NewCertPool()
	caCertPool.AppendCertsFromPEM(caCert)
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		ServerName:   serverName,
	}
	return tlsConfig, nil
}

// Dial connects to the first reachable endpoint, retrying all of them until
// the connect timeout expires, and returns a Client for the connection
func Dial(ctx context.Context, endpoints []Endpoint, opts ...Option) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoint to connect to")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.connectTimeout)
		defer cancel()
	}

	var conn net.Conn
	var connected Endpoint
	connect := func() error {
		var errs []error
		for _, ep := range endpoints {
			c, err := dialEndpoint(ctx, ep, o.tlsConfig)
			if err != nil {
				if _, ok := err.(*backoff.PermanentError); ok {
					return err
				}
				errs = append(errs, err)
				continue
			}
			conn = c
			connected = ep
			return nil
		}
		return utilerrors.NewAggregate(errs)
	}
	notify := func(err error, next time.Duration) {
		klog.Warningf("Failed to connect to %v, retrying in %v: %v", endpoints, next, err)
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(o.backoff(), ctx), notify); err != nil {
		return nil, &ConnectivityError{Op: "connect", Err: err}
	}
	klog.Infof("Connected to %s", connected)

	info := ConnectionInfo{Endpoint: connected.String()}
	if conn.LocalAddr() != nil {
		info.LocalAddress = conn.LocalAddr().String()
	}
	if conn.RemoteAddr() != nil {
		info.RemoteAddress = conn.RemoteAddr().String()
	}
	if o.connectionInfo == nil {
		opts = append(opts, WithConnectionInfo(info))
	}
	return NewClient(NewTransport(conn), opts...), nil
}

func dialEndpoint(ctx context.Context, ep Endpoint, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{}
	switch ep.Scheme {
	case "ssl":
		if tlsConfig == nil {
			return nil, backoff.Permanent(fmt.Errorf("endpoint %s needs a TLS configuration", ep))
		}
		d := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		return d.DialContext(ctx, "tcp", ep.Address)
	default:
		return dialer.DialContext(ctx, ep.network(), ep.Address)
	}
}
