package client

import (
	"crypto/tls"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultWorkerPoolSize = 4
	defaultTimeout        = 30 * time.Second
	defaultConnectTimeout = 20 * time.Second
)

type options struct {
	timeout         time.Duration
	connectTimeout  time.Duration
	workerPoolSize  int
	inactivityProbe time.Duration
	tlsConfig       *tls.Config
	handlers        []EventHandler
	backoff         func() backoff.BackOff
	connectionInfo  *ConnectionInfo
	registerMetrics bool
}

func defaultOptions() options {
	return options{
		timeout:        defaultTimeout,
		connectTimeout: defaultConnectTimeout,
		workerPoolSize: defaultWorkerPoolSize,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Option customizes a Client
type Option func(*options)

// WithTimeout bounds every request sent by the client. Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithConnectTimeout bounds the time Dial spends trying the endpoints
func WithConnectTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = timeout
	}
}

// WithWorkerPoolSize sets the number of workers running event handlers and
// transaction completion callbacks
func WithWorkerPoolSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.workerPoolSize = size
		}
	}
}

// WithInactivityProbe sends an echo request at the given interval and closes
// the session when one fails. Zero disables probing.
func WithInactivityProbe(interval time.Duration) Option {
	return func(o *options) {
		o.inactivityProbe = interval
	}
}

// WithTLSConfig is used by Dial for ssl: endpoints
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

// WithEventHandler registers a handler before any notification can arrive
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) {
		o.handlers = append(o.handlers, handler)
	}
}

// WithConnectBackoff sets the retry policy Dial uses between rounds over the
// endpoints
func WithConnectBackoff(newBackoff func() backoff.BackOff) Option {
	return func(o *options) {
		o.backoff = newBackoff
	}
}

// WithConnectionInfo overrides the connection description handed to event
// handlers
func WithConnectionInfo(info ConnectionInfo) Option {
	return func(o *options) {
		o.connectionInfo = &info
	}
}

// WithMetrics registers the client metrics with the default prometheus registry
func WithMetrics() Option {
	return func(o *options) {
		o.registerMetrics = true
	}
}
