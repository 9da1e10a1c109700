package types

import "time"

const (
	// DefaultDBSocket is the unix socket ovsdb-server listens on for the
	// Open_vSwitch database
	DefaultDBSocket = "/var/run/openvswitch/db.sock"
	// DefaultEndpoint is the endpoint used when none is configured
	DefaultEndpoint = "unix:" + DefaultDBSocket
	// DefaultDatabase is the database most clients talk to
	DefaultDatabase = "Open_vSwitch"

	// ConfigFilePath is the config file path for more fine grained control
	ConfigFilePath = "/etc/openvswitch/ovsdb-client.conf"

	// OVS private key, certificate and CA certificate for ssl: endpoints
	DefaultClientPrivKey = "/etc/openvswitch/ovsdb-client-privkey.pem"
	DefaultClientCert    = "/etc/openvswitch/ovsdb-client-cert.pem"
	DefaultClientCACert  = "/etc/openvswitch/ovsdb-client-ca.cert"

	// default RPC timeout
	DefaultRPCTimeout = 30 * time.Second
	// default time spent trying to reach an endpoint
	DefaultConnectTimeout = 20 * time.Second
	// DefaultWorkerPoolSize is the number of workers running event handlers
	DefaultWorkerPoolSize = 4
	// DefaultInactivityProbe disables the echo probe
	DefaultInactivityProbe = 0

	// log rotation
	DefaultLogFileMaxSize    = 100 // megabytes
	DefaultLogFileMaxBackups = 5
	DefaultLogFileMaxAge     = 5 // days

	// DefaultMetricsBindAddress leaves the metrics server disabled
	DefaultMetricsBindAddress = ""

	// MonitorRedialInterval is the pause before the monitor command redials a
	// lost session
	MonitorRedialInterval = 2 * time.Second

	// ExternalIDOwner is the external_ids key marking rows created by the
	// command line client
	ExternalIDOwner = "ovsdb-client/owner"
	// ExternalIDOwnerValue is the value stored under ExternalIDOwner
	ExternalIDOwnerValue = "ovsdb-client"
)
