package app

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/client"
	"github.com/CNlukai/ovsdb/pkg/types"
)

var LockCommand = cli.Command{
	Name:      "lock",
	Usage:     "acquire a database lock and report its state",
	ArgsUsage: "LOCK",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "steal",
			Usage: "take the lock from its current owner",
		},
		&cli.BoolFlag{
			Name:  "hold",
			Usage: "keep the lock until interrupted instead of releasing it once acquired",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("lock needs exactly one lock id, got %d", ctx.NArg())
		}
		lockID := ctx.Args().First()

		notifications := make(chan client.Event, 10)
		c, err := dial(ctx.Context, client.WithEventHandler(client.EventHandlerFunc(func(e client.Event) error {
			notifications <- e
			return nil
		})))
		if err != nil {
			return err
		}
		defer c.Close()

		return runLock(ctx.Context, c, lockID, ctx.Bool("steal"), ctx.Bool("hold"), notifications, ctx.App.Writer)
	},
}

func runLock(ctx context.Context, c *client.Client, lockID string, steal, hold bool,
	notifications <-chan client.Event, out io.Writer) error {
	if steal {
		if err := c.Steal(ctx, lockID); err != nil {
			return err
		}
	} else {
		granted, err := c.Lock(ctx, lockID)
		if err != nil {
			return err
		}
		if !granted {
			fmt.Fprintln(out, types.GetLockStatus(lockID, types.LockStateWaiting))
			if err := waitLockEvent(ctx, c, lockID, client.EventLocked, notifications); err != nil {
				return err
			}
		}
	}
	fmt.Fprintln(out, types.GetLockStatus(lockID, types.LockStateHeld))

	if hold {
		err := waitLockEvent(ctx, c, lockID, client.EventStolen, notifications)
		if err == nil {
			fmt.Fprintln(out, types.GetLockStatus(lockID, types.LockStateStolen))
		} else if ctx.Err() == nil {
			return err
		}
	}

	// the session may already be gone when interrupted
	unlockCtx, cancel := context.WithTimeout(context.Background(), types.MonitorRedialInterval)
	defer cancel()
	if err := c.Unlock(unlockCtx, lockID); err != nil {
		klog.Warningf("Failed to release lock %s: %v", lockID, err)
	}
	return nil
}

// waitLockEvent waits for a locked or stolen notification about lockID
func waitLockEvent(ctx context.Context, c *client.Client, lockID string, eventType client.EventType,
	notifications <-chan client.Event) error {
	for {
		select {
		case e := <-notifications:
			if e.Type != eventType {
				continue
			}
			for _, id := range e.LockIDs {
				if id == lockID {
					return nil
				}
			}
		case <-c.DisconnectNotify():
			return &client.ConnectivityError{Op: eventType.String(), Err: client.ErrNotConnected}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
