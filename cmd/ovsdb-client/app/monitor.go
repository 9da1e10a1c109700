package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/urfave/cli/v2"
	"gopkg.in/fsnotify/fsnotify.v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/client"
	"github.com/CNlukai/ovsdb/pkg/config"
	"github.com/CNlukai/ovsdb/pkg/metrics"
	"github.com/CNlukai/ovsdb/pkg/southbound"
	"github.com/CNlukai/ovsdb/pkg/types"
)

var errCertificatesChanged = errors.New("client certificates changed")

const (
	keyPairRewatchInterval = 100 * time.Millisecond
	keyPairRewatchTimeout  = 10 * time.Second
)

var MonitorCommand = cli.Command{
	Name:      "monitor",
	Usage:     "print the rows of tables and every change made to them",
	ArgsUsage: "TABLE[:COLUMN,...]...",
	Flags: []cli.Flag{
		databaseFlag,
		&cli.BoolFlag{
			Name:  "initial-only",
			Usage: "print the current rows and exit",
		},
	},
	Action: func(ctx *cli.Context) error {
		tables, err := parseTableMonitors(ctx.Args().Slice())
		if err != nil {
			return err
		}
		m := &monitorRunner{
			database: database(ctx),
			tables:   tables,
			out:      ctx.App.Writer,
		}
		if ctx.Bool("initial-only") {
			return m.runOnce(ctx.Context, nil)
		}

		stopChan := make(chan struct{})
		wg := &sync.WaitGroup{}
		defer func() {
			close(stopChan)
			wg.Wait()
		}()
		if config.Metrics.BindAddress != "" {
			metrics.RegisterClientMetrics()
			metrics.StartMetricsServer(config.Metrics.BindAddress, config.Metrics.EnablePprof,
				config.Metrics.CertFile, config.Metrics.KeyFile, stopChan, wg)
		}
		if config.OVSDB.UsesSSL() {
			reload, err := watchKeyPair(config.OVSDB.Cert, config.OVSDB.PrivKey, stopChan)
			if err != nil {
				return err
			}
			m.reload = reload
		}
		return m.run(ctx.Context)
	},
}

// parseTableMonitors reads TABLE or TABLE:COL1,COL2 arguments
func parseTableMonitors(args []string) ([]client.TableMonitor, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("monitor needs at least one table")
	}
	tables := make([]client.TableMonitor, 0, len(args))
	for _, arg := range args {
		table, columns, found := strings.Cut(arg, ":")
		if table == "" {
			return nil, fmt.Errorf("invalid table %q", arg)
		}
		tm := client.TableMonitor{Table: table}
		if found {
			for _, col := range strings.Split(columns, ",") {
				if col = strings.TrimSpace(col); col != "" {
					tm.Columns = append(tm.Columns, col)
				}
			}
			if len(tm.Columns) == 0 {
				return nil, fmt.Errorf("no column given for table %s", table)
			}
		}
		tables = append(tables, tm)
	}
	return tables, nil
}

type monitorRunner struct {
	database string
	tables   []client.TableMonitor
	out      io.Writer
	// reload fires when the client certificates change on disk
	reload <-chan struct{}
}

// run keeps a monitor open until ctx ends, redialing whenever the session is
// lost
func (m *monitorRunner) run(ctx context.Context) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(types.MonitorRedialInterval), ctx)
	err := backoff.RetryNotify(func() error {
		return m.runOnce(ctx, ctx.Done())
	}, b, func(err error, next time.Duration) {
		klog.Warningf("Monitor of %s interrupted: %v. Reconnecting in %s", m.database, err, next)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// runOnce opens one session, prints the initial rows and then, unless done
// is nil, every change until done is closed or the session ends
func (m *monitorRunner) runOnce(ctx context.Context, done <-chan struct{}) error {
	h := southbound.NewHandler(&rowPrinter{out: m.out})
	var opts []client.Option
	if done != nil {
		// rows the printer failed to write are retried for the session
		sessionStop := make(chan struct{})
		sessionWg := &sync.WaitGroup{}
		defer func() {
			close(sessionStop)
			sessionWg.Wait()
		}()
		h.EnableRetry(sessionStop, sessionWg)
		// updates racing the monitor reply wait for the initial rows
		h.Hold()
		opts = append(opts, client.WithEventHandler(h))
	}
	c, err := dial(ctx, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	mon, err := c.Monitor(ctx, m.database, "", m.tables...)
	if err != nil {
		var connErr *client.ConnectivityError
		if errors.As(err, &connErr) {
			return err
		}
		// a monitor the server refuses would be refused again
		return backoff.Permanent(err)
	}
	if err := h.HandleInitial(c.ConnectionInfo(), mon); err != nil {
		if done == nil {
			return backoff.Permanent(err)
		}
		klog.Warningf("Failed to print initial rows of %s, retrying: %v", m.database, err)
	}
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-c.DisconnectNotify():
		return fmt.Errorf("session to %s ended", c.ConnectionInfo().Endpoint)
	case <-m.reload:
		klog.Infof("Reconnecting to %s with new client certificates", c.ConnectionInfo().Endpoint)
		return errCertificatesChanged
	}
}

// rowPrinter writes one line per row event
type rowPrinter struct {
	out io.Writer
}

func (p *rowPrinter) ProcessEvent(e *southbound.Event) error {
	if e.Type != southbound.EventRow {
		return nil
	}
	row, err := json.Marshal(e.Row)
	if err != nil {
		return err
	}
	if e.Action == southbound.ActionUpdate {
		old, err := json.Marshal(e.Old)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.out, "%s %s %s %s old=%s\n", e.Action, e.Table, e.UUID, row, old)
		return err
	}
	_, err = fmt.Fprintf(p.out, "%s %s %s %s\n", e.Action, e.Table, e.UUID, row)
	return err
}

// watchKeyPair signals on the returned channel whenever the client
// certificate or key is rewritten or replaced
func watchKeyPair(certFile, privKeyFile string, stopChan <-chan struct{}) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(certFile); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(privKeyFile); err != nil {
		watcher.Close()
		return nil, err
	}
	reload := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok || event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
					continue
				}
				klog.V(5).Infof("Client certificate event %s", event)
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					// the watch went away with the old file
					rewatch(watcher, event.Name, stopChan)
				}
				select {
				case reload <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if ok {
					klog.Errorf("Error watching for changes: %s", err)
				}
			case <-stopChan:
				if err := watcher.Close(); err != nil {
					klog.Errorf("Error closing watcher: %s", err)
				}
				return
			}
		}
	}()
	return reload, nil
}

// rewatch adds path back to watcher once a replacement file shows up
func rewatch(watcher *fsnotify.Watcher, path string, stopChan <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	err := wait.PollUntilContextTimeout(ctx, keyPairRewatchInterval, keyPairRewatchTimeout, true,
		func(context.Context) (bool, error) {
			return watcher.Add(path) == nil, nil
		})
	if err != nil {
		klog.Errorf("Stopped watching %s, no file replaced it: %v", path, err)
	}
}

var _ southbound.Provider = &rowPrinter{}
