package retry

// CheckRetryObj tells whether key has pending work
func CheckRetryObj[T any](key string, r *RetryFramework[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.HasRetryObj(key)
}

// SetRetryObjWithNoBackoff makes the entry of key be retried on the next
// iteration regardless of its backoff
func SetRetryObjWithNoBackoff[T any](key string, r *RetryFramework[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, found := r.retryEntries[key]; found {
		entry.backoffSec = noBackoff
	}
}

// RetryObjsNow retries every entry right away regardless of its backoff
func RetryObjsNow[T any](r *RetryFramework[T]) {
	r.mu.Lock()
	for _, entry := range r.retryEntries {
		entry.backoffSec = noBackoff
	}
	r.mu.Unlock()
	r.iterateRetryResources()
}
