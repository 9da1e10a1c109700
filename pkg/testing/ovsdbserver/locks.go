package ovsdbserver

import (
	"fmt"

	"github.com/cenkalti/rpc2"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
)

// lock is a named lock with its owner and the connections waiting for it
type lock struct {
	owner   *rpc2.Client
	waiters []*rpc2.Client
}

func lockID(args []interface{}) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected 1 param, got %d", len(args))
	}
	id, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("lock id %v is not a string", args[0])
	}
	return id, nil
}

func (s *Server) lock(client *rpc2.Client, args []interface{}, reply *ovsdb.LockResult) error {
	id, err := lockID(args)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &lock{}
		s.locks[id] = l
	}
	switch {
	case l.owner == nil:
		l.owner = client
		reply.Locked = true
	case l.owner == client:
		return fmt.Errorf("lock %s already held", id)
	default:
		l.waiters = append(l.waiters, client)
		reply.Locked = false
	}
	return nil
}

func (s *Server) steal(client *rpc2.Client, args []interface{}, reply *ovsdb.LockResult) error {
	id, err := lockID(args)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &lock{}
		s.locks[id] = l
	}
	previous := l.owner
	l.owner = client
	l.waiters = without(l.waiters, client)
	if previous != nil && previous != client {
		// the previous owner keeps waiting for the lock
		l.waiters = append(l.waiters, previous)
		sendLockNotification(previous, ovsdb.MethodStolen, id)
	}
	reply.Locked = true
	return nil
}

func (s *Server) unlock(client *rpc2.Client, args []interface{}, reply *struct{}) error {
	id, err := lockID(args)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLock(client, id)
	*reply = struct{}{}
	return nil
}

// releaseLock drops the lock or the pending request of client and grants the
// lock to the next waiter. It runs with s.mu held.
func (s *Server) releaseLock(client *rpc2.Client, id string) {
	l, ok := s.locks[id]
	if !ok {
		return
	}
	l.waiters = without(l.waiters, client)
	if l.owner != client {
		return
	}
	l.owner = nil
	if len(l.waiters) > 0 {
		l.owner = l.waiters[0]
		l.waiters = l.waiters[1:]
		sendLockNotification(l.owner, ovsdb.MethodLocked, id)
	}
	if l.owner == nil {
		delete(s.locks, id)
	}
}

func sendLockNotification(client *rpc2.Client, method, id string) {
	if err := client.Notify(method, []string{id}); err != nil {
		klog.Warningf("Failed to send %s for lock %s: %v", method, id, err)
	}
}

func without(clients []*rpc2.Client, c *rpc2.Client) []*rpc2.Client {
	out := clients[:0]
	for _, x := range clients {
		if x != c {
			out = append(out, x)
		}
	}
	return out
}
