package retry

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/metrics"
)

const RetryObjInterval = 30 * time.Second
const MaxFailedAttempts = 15
const initialBackoff = 1
const noBackoff = 0

// retryObjEntry holds the work left for one key. The delete of oldObj, when
// set, always runs before the add of newObj.
type retryObjEntry[T any] struct {
	// newObj failed to be added or updated
	newObj *T
	// oldObj failed to be deleted
	oldObj     *T
	timeStamp  time.Time
	backoffSec time.Duration
	// number of times this entry has been unsuccessfully retried
	failedAttempts uint8
}

// EventHandler applies objects to whatever consumes them
type EventHandler[T any] interface {
	AddResource(obj T, fromRetryLoop bool) error
	DeleteResource(obj T) error
}

// RetryFramework keeps the objects whose processing failed and retries them
// with an exponential backoff until they succeed or MaxFailedAttempts is
// reached
type RetryFramework[T any] struct {
	// name tells apart the frameworks in the logs
	name string

	mu           sync.Mutex
	retryEntries map[string]*retryObjEntry[T]
	// channel to indicate we need to retry objs immediately
	retryChan chan struct{}

	stopChan <-chan struct{}
	doneWg   *sync.WaitGroup

	handler EventHandler[T]
}

// NewRetryFramework returns a RetryFramework applying retried objects through
// handler. Start runs the retry loop.
func NewRetryFramework[T any](name string, stopChan <-chan struct{}, doneWg *sync.WaitGroup,
	handler EventHandler[T]) *RetryFramework[T] {
	return &RetryFramework[T]{
		name:         name,
		retryEntries: make(map[string]*retryObjEntry[T]),
		retryChan:    make(chan struct{}, 1),
		stopChan:     stopChan,
		doneWg:       doneWg,
		handler:      handler,
	}
}

// Start retries the outstanding objects every RetryObjInterval, or when
// requested, until the stop channel is closed
func (r *RetryFramework[T]) Start() {
	r.doneWg.Add(1)
	go func() {
		defer r.doneWg.Done()
		r.periodicallyRetryResources()
	}()
}

// DoWithLock runs f with the retry cache locked
func (r *RetryFramework[T]) DoWithLock(key string, f func(key string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(key)
}

// InitRetryObjWithAdd records obj as the pending add for lockedKey, replacing
// any earlier pending add. The caller holds the lock.
func (r *RetryFramework[T]) InitRetryObjWithAdd(obj T, lockedKey string) {
	entry := r.loadOrStore(lockedKey)
	entry.timeStamp = time.Now()
	entry.newObj = &obj
	entry.failedAttempts = 0
}

// InitRetryObjWithDelete records obj as the pending delete for lockedKey.
// With noRetryAdd the pending add, if any, is dropped. The caller holds the
// lock.
func (r *RetryFramework[T]) InitRetryObjWithDelete(obj T, lockedKey string, noRetryAdd bool) {
	entry := r.loadOrStore(lockedKey)
	entry.timeStamp = time.Now()
	entry.oldObj = &obj
	entry.failedAttempts = 0
	if noRetryAdd {
		entry.newObj = nil
	}
}

// GetPendingAdd returns the pending add for lockedKey. The caller holds the
// lock.
func (r *RetryFramework[T]) GetPendingAdd(lockedKey string) (T, bool) {
	var obj T
	entry, found := r.retryEntries[lockedKey]
	if !found || entry.newObj == nil {
		return obj, false
	}
	return *entry.newObj, true
}

// HasPendingDelete tells whether lockedKey has a pending delete. The caller
// holds the lock.
func (r *RetryFramework[T]) HasPendingDelete(lockedKey string) bool {
	entry, found := r.retryEntries[lockedKey]
	return found && entry.oldObj != nil
}

// HasRetryObj tells whether lockedKey has pending work. The caller holds the
// lock.
func (r *RetryFramework[T]) HasRetryObj(lockedKey string) bool {
	_, found := r.retryEntries[lockedKey]
	return found
}

// DeleteRetryObj forgets lockedKey. The caller holds the lock.
func (r *RetryFramework[T]) DeleteRetryObj(lockedKey string) {
	delete(r.retryEntries, lockedKey)
}

func (r *RetryFramework[T]) loadOrStore(lockedKey string) *retryObjEntry[T] {
	entry, found := r.retryEntries[lockedKey]
	if !found {
		entry = &retryObjEntry[T]{backoffSec: initialBackoff}
		r.retryEntries[lockedKey] = entry
	}
	return entry
}

// RequestRetryObjs allows a caller to immediately request to iterate through
// all objects that are in the retry cache. Objects still in their backoff
// period are skipped.
func (r *RetryFramework[T]) RequestRetryObjs() {
	select {
	case r.retryChan <- struct{}{}:
		klog.V(5).Infof("Iterate retry objects requested (%s)", r.name)
	default:
		klog.V(5).Infof("Iterate retry objects already requested (%s)", r.name)
	}
}

func (r *RetryFramework[T]) resourceRetry(key string, now time.Time) {
	r.DoWithLock(key, func(key string) {
		entry, loaded := r.retryEntries[key]
		if !loaded {
			klog.V(5).Infof("%s: %s was not found in the retry cache", r.name, key)
			return
		}

		if entry.failedAttempts >= MaxFailedAttempts {
			klog.Warningf("Dropping retry entry for %s %s: exceeded number of failed attempts", r.name, key)
			r.DeleteRetryObj(key)
			metrics.MetricEventRetryFailures.Inc()
			return
		}
		forceRetry := false
		// check if immediate retry is requested
		if entry.backoffSec == noBackoff {
			entry.backoffSec = initialBackoff
			forceRetry = true
		}
		backoff := (entry.backoffSec * time.Second) + (time.Duration(rand.Intn(500)) * time.Millisecond)
		objTimer := entry.timeStamp.Add(backoff)
		if !forceRetry && now.Before(objTimer) {
			klog.V(5).Infof("Attempting retry of %s %s before timer (time: %s): skip", r.name, key, objTimer)
			return
		}

		// update backoff for future attempts in case of failure
		entry.backoffSec = entry.backoffSec * 2
		if entry.backoffSec > 60 {
			entry.backoffSec = 60
		}

		klog.Infof("Retry %s %s", r.name, key)

		// delete old object if needed
		if entry.oldObj != nil {
			if err := r.handler.DeleteResource(*entry.oldObj); err != nil {
				r.failed(entry, key, "delete", err)
				return
			}
			entry.oldObj = nil
		}
		// create new object if needed
		if entry.newObj != nil {
			if err := r.handler.AddResource(*entry.newObj, true); err != nil {
				r.failed(entry, key, "add", err)
				return
			}
			entry.newObj = nil
		}

		klog.Infof("Retry successful for %s %s after %d failed attempt(s)", r.name, key, entry.failedAttempts)
		r.DeleteRetryObj(key)
	})
}

func (r *RetryFramework[T]) failed(entry *retryObjEntry[T], key, op string, err error) {
	entry.timeStamp = time.Now()
	entry.failedAttempts++
	if entry.failedAttempts >= MaxFailedAttempts {
		klog.Errorf("Retry %s failed final attempt for %s %s: error: %v", op, r.name, key, err)
	} else {
		klog.Infof("Retry %s failed for %s %s, will try again later: %v", op, r.name, key, err)
	}
}

// iterateRetryResources retries the keys present when it starts, in key
// order. Keys added meanwhile wait for the next run.
func (r *RetryFramework[T]) iterateRetryResources() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.retryEntries))
	for key := range r.retryEntries {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)

	now := time.Now()
	klog.V(5).Infof("Going to retry %s for %d objects: %s", r.name, len(keys), keys)
	for _, key := range keys {
		r.resourceRetry(key, now)
	}
	klog.V(5).Infof("Function iterateRetryResources for %s ended (in %v)", r.name, time.Since(now))
}

// periodicallyRetryResources checks if any object needs to be retried every
// RetryObjInterval or when requested through retryChan
func (r *RetryFramework[T]) periodicallyRetryResources() {
	timer := time.NewTicker(RetryObjInterval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			r.iterateRetryResources()

		case <-r.retryChan:
			klog.V(5).Infof("periodicallyRetryResources: Retry channel got triggered: retrying failed objects of %s", r.name)
			r.iterateRetryResources()
			timer.Reset(RetryObjInterval)

		case <-r.stopChan:
			klog.V(5).Infof("Stop channel got triggered: will stop retrying failed objects of %s", r.name)
			return
		}
	}
}
