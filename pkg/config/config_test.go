package config

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/client"
	"github.com/CNlukai/ovsdb/pkg/types"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

const testConfigFile = "/etc/ovsdb-client/test.conf"

func writeTestConfigFile(fs afero.Fs, path string, sections ...string) error {
	data := ""
	for _, s := range sections {
		data += s + "\n"
	}
	return afero.WriteFile(fs, path, []byte(data), 0o644)
}

var _ = Describe("Config Operations", func() {
	var app *cli.App
	var fs afero.Fs

	BeforeEach(func() {
		// Restore global default values before each testcase
		PrepareTestConfig()

		app = cli.NewApp()
		app.Name = "test"
		app.Flags = Flags
		fs = afero.NewMemMapFs()
	})

	It("uses expected defaults", func() {
		app.Action = func(ctx *cli.Context) error {
			cfgPath, err := InitConfig(ctx, fs)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfgPath).To(BeEmpty())

			Expect(OVSDB.Address).To(Equal(types.DefaultEndpoint))
			Expect(OVSDB.Database).To(Equal(types.DefaultDatabase))
			Expect(OVSDB.Endpoints).To(Equal([]client.Endpoint{{Scheme: "unix", Address: types.DefaultDBSocket}}))
			Expect(Client.Timeout).To(Equal(30))
			Expect(Client.ConnectTimeout).To(Equal(20))
			Expect(Client.WorkerPoolSize).To(Equal(types.DefaultWorkerPoolSize))
			Expect(Client.DisableSchemaCache).To(BeFalse())
			Expect(Client.InactivityProbe).To(Equal(0))
			Expect(Logging.Level).To(Equal(4))
			Expect(Logging.File).To(BeEmpty())
			Expect(Metrics.BindAddress).To(BeEmpty())
			return nil
		}
		err := app.Run([]string{app.Name})
		Expect(err).NotTo(HaveOccurred())
	})

	It("overrides defaults with config file options", func() {
		err := writeTestConfigFile(fs, testConfigFile,
			`[ovsdb]
address=tcp:10.0.0.1:6640,tcp:10.0.0.2:6640
database=OVN_Southbound`,
			`[client]
timeout=5
connect-timeout=3
worker-pool-size=16
disable-schema-cache=true
inactivity-probe=5000`,
			`[logging]
loglevel=5`,
			`[metrics]
bind-address=127.0.0.1:9476
enable-pprof=true`,
		)
		Expect(err).NotTo(HaveOccurred())

		app.Action = func(ctx *cli.Context) error {
			cfgPath, err := InitConfig(ctx, fs)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfgPath).To(Equal(testConfigFile))

			Expect(OVSDB.Database).To(Equal("OVN_Southbound"))
			Expect(OVSDB.Endpoints).To(Equal([]client.Endpoint{
				{Scheme: "tcp", Address: "10.0.0.1:6640"},
				{Scheme: "tcp", Address: "10.0.0.2:6640"},
			}))
			Expect(Client).To(Equal(ClientConfig{
				Timeout:            5,
				ConnectTimeout:     3,
				WorkerPoolSize:     16,
				DisableSchemaCache: true,
				InactivityProbe:    5000,
			}))
			Expect(Logging.Level).To(Equal(5))
			Expect(Metrics.BindAddress).To(Equal("127.0.0.1:9476"))
			Expect(Metrics.EnablePprof).To(BeTrue())
			return nil
		}
		err = app.Run([]string{app.Name, "-config-file=" + testConfigFile})
		Expect(err).NotTo(HaveOccurred())
	})

	It("overrides config file and defaults with CLI options", func() {
		err := writeTestConfigFile(fs, testConfigFile,
			`[ovsdb]
address=tcp:10.0.0.1:6640
database=OVN_Southbound`,
			`[client]
timeout=5
worker-pool-size=16`,
		)
		Expect(err).NotTo(HaveOccurred())

		app.Action = func(ctx *cli.Context) error {
			_, err := InitConfig(ctx, fs)
			Expect(err).NotTo(HaveOccurred())

			Expect(OVSDB.Endpoints).To(Equal([]client.Endpoint{{Scheme: "tcp", Address: "192.168.1.1:6641"}}))
			Expect(OVSDB.Database).To(Equal("OVN_Southbound"))
			Expect(Client.Timeout).To(Equal(7))
			Expect(Client.WorkerPoolSize).To(Equal(2))
			Expect(Client.ConnectTimeout).To(Equal(20))
			return nil
		}
		err = app.Run([]string{
			app.Name,
			"-config-file=" + testConfigFile,
			"-db-address=tcp:192.168.1.1:6641",
			"-timeout=7",
			"-worker-pool-size=2",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("does not let a CLI option equal to its default override the config file", func() {
		err := writeTestConfigFile(fs, testConfigFile,
			`[client]
timeout=5`,
		)
		Expect(err).NotTo(HaveOccurred())

		app.Action = func(ctx *cli.Context) error {
			_, err := InitConfig(ctx, fs)
			Expect(err).NotTo(HaveOccurred())
			Expect(Client.Timeout).To(Equal(5))
			return nil
		}
		err = app.Run([]string{app.Name, "-config-file=" + testConfigFile, "-timeout=30"})
		Expect(err).NotTo(HaveOccurred())
	})

	It("returns an error when the config file is missing", func() {
		app.Action = func(ctx *cli.Context) error {
			_, err := InitConfig(ctx, fs)
			return err
		}
		err := app.Run([]string{app.Name, "-config-file=/does/not/exist.conf"})
		Expect(err).To(MatchError(ContainSubstring("failed to open config file")))
	})

	It("returns an error when the config file does not parse", func() {
		err := writeTestConfigFile(fs, testConfigFile, `[ovsdb`)
		Expect(err).NotTo(HaveOccurred())
		app.Action = func(ctx *cli.Context) error {
			_, err := InitConfig(ctx, fs)
			return err
		}
		err = app.Run([]string{app.Name, "-config-file=" + testConfigFile})
		Expect(err).To(MatchError(ContainSubstring("failed to parse config file")))
	})

	It("ignores an unknown option in the config file", func() {
		err := writeTestConfigFile(fs, testConfigFile,
			`[client]
timeout=9
no-such-option=1`,
		)
		Expect(err).NotTo(HaveOccurred())
		app.Action = func(ctx *cli.Context) error {
			_, err := InitConfig(ctx, fs)
			Expect(err).NotTo(HaveOccurred())
			Expect(Client.Timeout).To(Equal(9))
			return nil
		}
		err = app.Run([]string{app.Name, "-config-file=" + testConfigFile})
		Expect(err).NotTo(HaveOccurred())
	})

	Context("validation", func() {
		runWith := func(args ...string) error {
			app.Action = func(ctx *cli.Context) error {
				_, err := InitConfig(ctx, fs)
				return err
			}
			return app.Run(append([]string{app.Name}, args...))
		}

		It("rejects an invalid endpoint", func() {
			err := runWith("-db-address=tcp:10.0.0.1:6640,tcp:10.0.0.2:99999")
			Expect(err).To(MatchError(ContainSubstring("10.0.0.2:99999")))
		})

		It("rejects a relative unix socket", func() {
			err := runWith("-db-address=unix:db.sock")
			Expect(err).To(HaveOccurred())
		})

		It("keeps the default database when the file leaves it empty", func() {
			err := writeTestConfigFile(fs, testConfigFile, `[ovsdb]
database=`)
			Expect(err).NotTo(HaveOccurred())
			// an empty value in the file leaves the default in place
			Expect(runWith("-config-file=" + testConfigFile)).To(Succeed())
			Expect(OVSDB.Database).To(Equal(types.DefaultDatabase))
		})

		It("requires the client certificates for ssl endpoints", func() {
			err := runWith("-db-address=ssl:10.0.0.1:6641")
			Expect(err).To(MatchError(ContainSubstring(types.DefaultClientPrivKey)))
		})

		It("accepts ssl endpoints when the client certificates exist", func() {
			for _, f := range []string{"/pki/client.key", "/pki/client.crt", "/pki/ca.crt"} {
				Expect(afero.WriteFile(fs, f, []byte("pem"), 0o600)).To(Succeed())
			}
			err := runWith(
				"-db-address=ssl:ovsdb.example.com:6641",
				"-db-client-privkey=/pki/client.key",
				"-db-client-cert=/pki/client.crt",
				"-db-client-cacert=/pki/ca.crt",
			)
			Expect(err).NotTo(HaveOccurred())
			Expect(OVSDB.UsesSSL()).To(BeTrue())
			Expect(sslServerName(OVSDB.Endpoints)).To(Equal("ovsdb.example.com"))

			// the files only exist in memory, so loading them fails
			_, err = ClientOptions()
			Expect(err).To(HaveOccurred())
		})

		It("rejects a negative worker pool size", func() {
			Expect(runWith("-worker-pool-size=-1")).To(MatchError(ContainSubstring("worker-pool-size")))
		})

		It("rejects a negative inactivity probe", func() {
			Expect(runWith("-inactivity-probe=-5")).To(MatchError(ContainSubstring("inactivity-probe")))
		})

		It("rejects a negative timeout", func() {
			Expect(runWith("-timeout=-1")).To(HaveOccurred())
		})

		It("rejects an invalid metrics bind address", func() {
			Expect(runWith("-metrics-bind-address=localhost")).To(MatchError(ContainSubstring("metrics-bind-address")))
		})

		It("requires the metrics cert and key together", func() {
			Expect(runWith("-metrics-bind-address=127.0.0.1:9476", "-metrics-cert-file=/pki/metrics.crt")).To(HaveOccurred())
		})
	})

	Context("logging", func() {
		var tmpDir string

		BeforeEach(func() {
			var err error
			tmpDir, err = os.MkdirTemp("", "configtest")
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
			klog.InitFlags(klogFlags)
			Expect(klogFlags.Set("logtostderr", "true")).To(Succeed())
			klog.SetOutput(os.Stderr)
			os.RemoveAll(tmpDir)
		})

		It("writes to the configured log file", func() {
			logFile := filepath.Join(tmpDir, "ovsdb-client.log")
			app.Action = func(ctx *cli.Context) error {
				_, err := InitConfig(ctx, fs)
				Expect(err).NotTo(HaveOccurred())
				Expect(Logging.File).To(Equal(logFile))
				Expect(Logging.LogFileMaxSize).To(Equal(10))
				Expect(Logging.LogFileMaxBackups).To(Equal(types.DefaultLogFileMaxBackups))
				klog.Info("hello")
				klog.Flush()
				return nil
			}
			err := app.Run([]string{app.Name, "-logfile=" + logFile, "-logfile-maxsize=10"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() (bool, error) {
				return afero.Exists(afero.NewOsFs(), logFile)
			}).Should(BeTrue())
		})
	})

	It("builds client options", func() {
		app.Action = func(ctx *cli.Context) error {
			_, err := InitConfig(ctx, fs)
			Expect(err).NotTo(HaveOccurred())
			opts, err := ClientOptions()
			Expect(err).NotTo(HaveOccurred())
			Expect(opts).To(HaveLen(5))
			return nil
		}
		err := app.Run([]string{app.Name, "-inactivity-probe=1000"})
		Expect(err).NotTo(HaveOccurred())
	})
})
