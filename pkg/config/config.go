package config

import (
	"flag"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	gcfg "gopkg.in/gcfg.v1"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/client"
	"github.com/CNlukai/ovsdb/pkg/types"
)

// Version is the version of the command line client
var Version = "0.1.0"

var (
	// OVSDB holds the [ovsdb] section
	OVSDB = OVSDBConfig{
		Address:  types.DefaultEndpoint,
		Database: types.DefaultDatabase,
		PrivKey:  types.DefaultClientPrivKey,
		Cert:     types.DefaultClientCert,
		CACert:   types.DefaultClientCACert,
	}

	// Client holds the [client] section
	Client = ClientConfig{
		Timeout:         int(types.DefaultRPCTimeout / time.Second),
		ConnectTimeout:  int(types.DefaultConnectTimeout / time.Second),
		WorkerPoolSize:  types.DefaultWorkerPoolSize,
		InactivityProbe: types.DefaultInactivityProbe,
	}

	// Logging holds the [logging] section
	Logging = LoggingConfig{
		Level:             4,
		LogFileMaxSize:    types.DefaultLogFileMaxSize,
		LogFileMaxBackups: types.DefaultLogFileMaxBackups,
		LogFileMaxAge:     types.DefaultLogFileMaxAge,
	}

	// Metrics holds the [metrics] section
	Metrics = MetricsConfig{
		BindAddress: types.DefaultMetricsBindAddress,
	}
)

// OVSDBConfig holds the server connection settings
type OVSDBConfig struct {
	// Address is a comma separated list of tcp:, ssl: and unix: endpoints
	Address string `gcfg:"address"`
	// Database is the database the client commands operate on by default
	Database string `gcfg:"database"`
	PrivKey  string `gcfg:"client-privkey"`
	Cert     string `gcfg:"client-cert"`
	CACert   string `gcfg:"client-cacert"`
	// CertCommonName is the server name checked against the server certificate
	CertCommonName string `gcfg:"cert-common-name"`

	// Endpoints is Address, parsed
	Endpoints []client.Endpoint
}

// ClientConfig holds the session settings
type ClientConfig struct {
	// Timeout bounds every request, in seconds
	Timeout int `gcfg:"timeout"`
	// ConnectTimeout bounds the time spent reaching an endpoint, in seconds
	ConnectTimeout int `gcfg:"connect-timeout"`
	// WorkerPoolSize is the number of workers running event handlers
	WorkerPoolSize int `gcfg:"worker-pool-size"`
	// DisableSchemaCache makes commands fetch the schema on every use
	DisableSchemaCache bool `gcfg:"disable-schema-cache"`
	// InactivityProbe is the echo interval, in milliseconds. 0 disables it.
	InactivityProbe int `gcfg:"inactivity-probe"`
}

// LoggingConfig holds logging-related parsed config file parameters and command-line overrides
type LoggingConfig struct {
	// File is the path of the file to log to
	File string `gcfg:"logfile"`
	// Level is the logging verbosity level
	Level int `gcfg:"loglevel"`
	// LogFileMaxSize is the maximum size in megabytes of the logfile
	// before it gets rolled.
	LogFileMaxSize int `gcfg:"logfile-maxsize"`
	// LogFileMaxBackups represents the maximum number of old log files to retain
	LogFileMaxBackups int `gcfg:"logfile-maxbackups"`
	// LogFileMaxAge represents the maximum number of days to retain old log files
	LogFileMaxAge int `gcfg:"logfile-maxage"`
}

// MetricsConfig holds the prometheus endpoint settings
type MetricsConfig struct {
	// BindAddress is the host:port the metrics server listens on. Empty
	// disables the server.
	BindAddress string `gcfg:"bind-address"`
	EnablePprof bool   `gcfg:"enable-pprof"`
	// serve the endpoint over TLS when both are set
	CertFile string `gcfg:"cert-file"`
	KeyFile  string `gcfg:"key-file"`
}

// config is used to read the structured config file and to cache CLI
// options
type config struct {
	OVSDB   OVSDBConfig
	Client  ClientConfig
	Logging LoggingConfig
	Metrics MetricsConfig
}

var (
	savedOVSDB   OVSDBConfig
	savedClient  ClientConfig
	savedLogging LoggingConfig
	savedMetrics MetricsConfig

	// cliConfig captures the command line options
	cliConfig config
)

func init() {
	savedOVSDB = OVSDB
	savedClient = Client
	savedLogging = Logging
	savedMetrics = Metrics
	cliConfig = config{
		OVSDB:   OVSDB,
		Client:  Client,
		Logging: Logging,
		Metrics: Metrics,
	}
	Flags = GetFlags(nil)
}

// PrepareTestConfig restores default config values. Used by testcases to
// provide a pristine environment between tests.
func PrepareTestConfig() {
	OVSDB = savedOVSDB
	Client = savedClient
	Logging = savedLogging
	Metrics = savedMetrics
	cliConfig = config{
		OVSDB:   savedOVSDB,
		Client:  savedClient,
		Logging: savedLogging,
		Metrics: savedMetrics,
	}
}

// CommonFlags capture general options
var CommonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config-file",
		Usage: "configuration file path (default: " + types.ConfigFilePath + ")",
	},
	&cli.IntFlag{
		Name:        "loglevel",
		Usage:       "log verbosity and level: info, warn, fatal, error are always printed no matter the log level. Use 5 for debug (default: 4)",
		Destination: &cliConfig.Logging.Level,
		Value:       Logging.Level,
	},
	&cli.StringFlag{
		Name:        "logfile",
		Usage:       "path of a file to direct log output to",
		Destination: &cliConfig.Logging.File,
	},
	&cli.IntFlag{
		Name:        "logfile-maxsize",
		Usage:       "Maximum size in bytes of the log file before it gets rolled",
		Destination: &cliConfig.Logging.LogFileMaxSize,
		Value:       Logging.LogFileMaxSize,
	},
	&cli.IntFlag{
		Name:        "logfile-maxbackups",
		Usage:       "Maximum number of old log files to retain",
		Destination: &cliConfig.Logging.LogFileMaxBackups,
		Value:       Logging.LogFileMaxBackups,
	},
	&cli.IntFlag{
		Name:        "logfile-maxage",
		Usage:       "Maximum number of days to retain old log files",
		Destination: &cliConfig.Logging.LogFileMaxAge,
		Value:       Logging.LogFileMaxAge,
	},
}

// OVSDBFlags capture the server connection options
var OVSDBFlags = []cli.Flag{
	&cli.StringFlag{
		Name: "db-address",
		Usage: "IP address and port of the OVSDB server, in the form " +
			"tcp:host:port, ssl:host:port or unix:/path. Several endpoints " +
			"may be given separated by commas (default: " + OVSDB.Address + ")",
		Destination: &cliConfig.OVSDB.Address,
		Value:       OVSDB.Address,
	},
	&cli.StringFlag{
		Name:        "db",
		Usage:       "database the commands operate on",
		Destination: &cliConfig.OVSDB.Database,
		Value:       OVSDB.Database,
	},
	&cli.StringFlag{
		Name:        "db-client-privkey",
		Usage:       "Private key that the client should use for talking to the OVSDB server (default when ssl address is used: " + OVSDB.PrivKey + ")",
		Destination: &cliConfig.OVSDB.PrivKey,
		Value:       OVSDB.PrivKey,
	},
	&cli.StringFlag{
		Name:        "db-client-cert",
		Usage:       "Client certificate that the client should use for talking to the OVSDB server (default when ssl address is used: " + OVSDB.Cert + ")",
		Destination: &cliConfig.OVSDB.Cert,
		Value:       OVSDB.Cert,
	},
	&cli.StringFlag{
		Name:        "db-client-cacert",
		Usage:       "CA certificate that the client should use for talking to the OVSDB server (default when ssl address is used: " + OVSDB.CACert + ")",
		Destination: &cliConfig.OVSDB.CACert,
		Value:       OVSDB.CACert,
	},
	&cli.StringFlag{
		Name:        "db-cert-common-name",
		Usage:       "Common Name of the OVSDB server certificate",
		Destination: &cliConfig.OVSDB.CertCommonName,
	},
}

// ClientFlags capture the session options
var ClientFlags = []cli.Flag{
	&cli.IntFlag{
		Name:        "timeout",
		Usage:       "seconds to wait for each reply",
		Destination: &cliConfig.Client.Timeout,
		Value:       Client.Timeout,
	},
	&cli.IntFlag{
		Name:        "connect-timeout",
		Usage:       "seconds spent trying to reach an endpoint",
		Destination: &cliConfig.Client.ConnectTimeout,
		Value:       Client.ConnectTimeout,
	},
	&cli.IntFlag{
		Name:        "worker-pool-size",
		Usage:       "number of workers delivering notifications",
		Destination: &cliConfig.Client.WorkerPoolSize,
		Value:       Client.WorkerPoolSize,
	},
	&cli.BoolFlag{
		Name:        "disable-schema-cache",
		Usage:       "fetch the schema again on every use instead of reusing the first one",
		Destination: &cliConfig.Client.DisableSchemaCache,
	},
	&cli.IntFlag{
		Name:        "inactivity-probe",
		Usage:       "milliseconds between echo probes, 0 disables probing",
		Destination: &cliConfig.Client.InactivityProbe,
		Value:       Client.InactivityProbe,
	},
}

// MetricsFlags capture metrics-related options
var MetricsFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "metrics-bind-address",
		Usage:       "The IP address and port for the metrics server to serve on (set to 0.0.0.0 for all IPv4 interfaces)",
		Destination: &cliConfig.Metrics.BindAddress,
	},
	&cli.BoolFlag{
		Name:        "metrics-enable-pprof",
		Usage:       "If true, then also accept pprof requests on the metrics port.",
		Destination: &cliConfig.Metrics.EnablePprof,
		Value:       Metrics.EnablePprof,
	},
	&cli.StringFlag{
		Name:        "metrics-cert-file",
		Usage:       "certificate file used to serve metrics over TLS",
		Destination: &cliConfig.Metrics.CertFile,
	},
	&cli.StringFlag{
		Name:        "metrics-key-file",
		Usage:       "private key file used to serve metrics over TLS",
		Destination: &cliConfig.Metrics.KeyFile,
	},
}

// Flags are general command-line flags. Apps should add these flags to their
// own urfave/cli flags and call InitConfig() early in the application.
var Flags []cli.Flag

// GetFlags returns an array of all command-line flags necessary to configure
// the client, followed by customFlags
func GetFlags(customFlags []cli.Flag) []cli.Flag {
	flags := CommonFlags
	flags = append(flags, OVSDBFlags...)
	flags = append(flags, ClientFlags...)
	flags = append(flags, MetricsFlags...)
	flags = append(flags, customFlags...)
	return flags
}

// InitConfig reads the config file and command-line arguments and updates
// the global config from them: defaults, then the file, then the command
// line. It returns the path of the config file that was read, if any.
func InitConfig(ctx *cli.Context, fs afero.Fs) (string, error) {
	var cfg config
	var retConfigFile string
	var configFile string
	var configFileIsDefault bool

	if fs == nil {
		fs = afero.NewOsFs()
	}

	configFile = ctx.String("config-file")
	if configFile == "" {
		configFile = types.ConfigFilePath
		configFileIsDefault = true
	}

	f, err := fs.Open(configFile)
	if err != nil {
		// Failing to find a default config file is not a hard error
		if !configFileIsDefault {
			return "", fmt.Errorf("failed to open config file %s: %v", configFile, err)
		}
		f = nil
	}
	if f != nil {
		defer f.Close()

		// Parse config file
		if err = gcfg.FatalOnly(gcfg.ReadInto(&cfg, f)); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %v", f.Name(), err)
		}
		klog.Infof("Parsed config file %s", f.Name())
		klog.Infof("Parsed config: %+v", cfg)
		retConfigFile = configFile
	}

	// Logging setup
	if err = overrideFields(&Logging, &cfg.Logging, &savedLogging); err != nil {
		return "", err
	}
	if err = overrideFields(&Logging, &cliConfig.Logging, &savedLogging); err != nil {
		return "", err
	}
	if err = initLogging(); err != nil {
		return "", err
	}

	if err = buildOVSDBConfig(fs, &cfg); err != nil {
		return "", err
	}
	if err = buildClientConfig(&cfg); err != nil {
		return "", err
	}
	if err = buildMetricsConfig(&cfg); err != nil {
		return "", err
	}

	klog.V(5).Infof("OVSDB config: %+v", OVSDB)
	klog.V(5).Infof("Client config: %+v", Client)
	klog.V(5).Infof("Metrics config: %+v", Metrics)
	return retConfigFile, nil
}

func initLogging() error {
	var level klog.Level
	if err := level.Set(strconv.Itoa(Logging.Level)); err != nil {
		return fmt.Errorf("failed to set klog log level %v", err)
	}
	if Logging.File != "" {
		klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
		klog.InitFlags(klogFlags)
		if err := klogFlags.Set("logtostderr", "false"); err != nil {
			return fmt.Errorf("error setting klog logtostderr: %v", err)
		}
		if err := klogFlags.Set("alsologtostderr", "true"); err != nil {
			return fmt.Errorf("error setting klog alsologtostderr: %v", err)
		}
		klog.SetOutput(&lumberjack.Logger{
			Filename:   Logging.File,
			MaxSize:    Logging.LogFileMaxSize, // megabytes
			MaxBackups: Logging.LogFileMaxBackups,
			MaxAge:     Logging.LogFileMaxAge, // days
			Compress:   true,
		})
	}
	return nil
}

func buildOVSDBConfig(fs afero.Fs, cfg *config) error {
	// Copy config file values over default values
	if err := overrideFields(&OVSDB, &cfg.OVSDB, &savedOVSDB); err != nil {
		return err
	}
	// And CLI overrides over config file and default values
	if err := overrideFields(&OVSDB, &cliConfig.OVSDB, &savedOVSDB); err != nil {
		return err
	}

	endpoints, err := validateEndpoints(OVSDB.Address)
	if err != nil {
		return err
	}
	OVSDB.Endpoints = endpoints
	if OVSDB.Database == "" {
		return fmt.Errorf("database name must not be empty")
	}

	if !OVSDB.UsesSSL() {
		return nil
	}
	for _, file := range []string{OVSDB.PrivKey, OVSDB.Cert, OVSDB.CACert} {
		exists, err := afero.Exists(fs, file)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("ssl endpoint %s needs %s, which does not exist", OVSDB.Address, file)
		}
	}
	return nil
}

func buildClientConfig(cfg *config) error {
	if err := overrideFields(&Client, &cfg.Client, &savedClient); err != nil {
		return err
	}
	if err := overrideFields(&Client, &cliConfig.Client, &savedClient); err != nil {
		return err
	}
	if Client.Timeout <= 0 || Client.ConnectTimeout <= 0 {
		return fmt.Errorf("timeout and connect-timeout must be positive")
	}
	if Client.InactivityProbe < 0 {
		return fmt.Errorf("invalid inactivity-probe %d: must not be negative", Client.InactivityProbe)
	}
	if Client.WorkerPoolSize <= 0 {
		return fmt.Errorf("invalid worker-pool-size %d: must be positive", Client.WorkerPoolSize)
	}
	return nil
}

func buildMetricsConfig(cfg *config) error {
	if err := overrideFields(&Metrics, &cfg.Metrics, &savedMetrics); err != nil {
		return err
	}
	if err := overrideFields(&Metrics, &cliConfig.Metrics, &savedMetrics); err != nil {
		return err
	}
	if Metrics.BindAddress != "" && !validDialString(Metrics.BindAddress) {
		return fmt.Errorf("invalid metrics-bind-address %q", Metrics.BindAddress)
	}
	if (Metrics.CertFile == "") != (Metrics.KeyFile == "") {
		return fmt.Errorf("metrics-cert-file and metrics-key-file must be given together")
	}
	return nil
}

// UsesSSL reports whether any endpoint is an ssl: one
func (o *OVSDBConfig) UsesSSL() bool {
	for _, ep := range o.Endpoints {
		if ep.Scheme == "ssl" {
			return true
		}
	}
	return false
}

// ClientOptions turns the [client] and [ovsdb] settings into options for
// client.Dial
func ClientOptions() ([]client.Option, error) {
	opts := []client.Option{
		client.WithTimeout(time.Duration(Client.Timeout) * time.Second),
		client.WithConnectTimeout(time.Duration(Client.ConnectTimeout) * time.Second),
		client.WithWorkerPoolSize(Client.WorkerPoolSize),
		client.WithInactivityProbe(time.Duration(Client.InactivityProbe) * time.Millisecond),
		client.WithMetrics(),
	}
	if OVSDB.UsesSSL() {
		serverName := OVSDB.CertCommonName
		if serverName == "" {
			serverName = sslServerName(OVSDB.Endpoints)
		}
		tlsConfig, err := client.NewTLSConfig(OVSDB.Cert, OVSDB.PrivKey, OVSDB.CACert, serverName)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTLSConfig(tlsConfig))
	}
	return opts, nil
}

// sslServerName is the host of the first ssl endpoint
func sslServerName(endpoints []client.Endpoint) string {
	for _, ep := range endpoints {
		if ep.Scheme != "ssl" {
			continue
		}
		host, _, err := net.SplitHostPort(ep.Address)
		if err != nil {
			continue
		}
		return host
	}
	return ""
}

// overrideFields copies the gcfg fields of src that are set and differ from
// defaults into dst
func overrideFields(dst, src, defaults interface{}) error {
	dstStruct := reflect.ValueOf(dst).Elem()
	srcStruct := reflect.ValueOf(src).Elem()
	if dstStruct.Kind() != srcStruct.Kind() || dstStruct.Kind() != reflect.Struct {
		return fmt.Errorf("mismatched value types")
	}
	if dstStruct.NumField() != srcStruct.NumField() {
		return fmt.Errorf("mismatched struct types")
	}

	var defStruct reflect.Value
	if defaults != nil {
		defStruct = reflect.ValueOf(defaults).Elem()
	}
	// Iterate over each field in dst/src Type so we can get the tags,
	// and use the field name to retrieve the field's actual value from
	// the dst/src instance
	dstType := reflect.TypeOf(dst).Elem()
	for i := 0; i < dstType.NumField(); i++ {
		structField := dstType.Field(i)
		// Ignore private internal fields; we only care about overriding
		// 'gcfg' tagged fields read from CLI or the config file
		if _, ok := structField.Tag.Lookup("gcfg"); !ok {
			continue
		}
		dstField := dstStruct.FieldByName(structField.Name)
		srcField := srcStruct.FieldByName(structField.Name)
		if !dstField.IsValid() || !srcField.IsValid() {
			// Since we know dst and src are the same type, and we are
			// iterating over dst's fields, this should never happen
			return fmt.Errorf("field %s (tag %s) not handled", structField.Name, structField.Tag)
		}
		// Unset values and values equal to the default don't override
		if srcField.IsZero() {
			continue
		}
		if defStruct.IsValid() {
			if dv := defStruct.FieldByName(structField.Name); dv.IsValid() && reflect.DeepEqual(dv.Interface(), srcField.Interface()) {
				continue
			}
		}
		dstField.Set(srcField)
	}
	return nil
}
