package minimux

import (
	"slices"
	"sync"
	"time"
)

// pendingEntry exists from the dispatch of a hash until its result is
// delivered. It always holds at least one callback.
type pendingEntry struct {
	callbacks    []Callback
	dispatchedAt time.Time
}

// resolution describes a delivered result.
type resolution struct {
	waiters int
	elapsed time.Duration
}

// registry correlates results to the callbacks waiting for them.
//
// It is not a cache: once a hash is resolved, submitting it again
// triggers a new dispatch.
type registry struct {
	lk      sync.Mutex
	entries map[string]*pendingEntry
	closed  error
}

func newRegistry() *registry {
	return &registry{
		entries: make(map[string]*pendingEntry),
	}
}

// submit queues cb for hash. It returns true when no request for hash is
// in flight, in which case the caller must dispatch one.
//
// Once the registry is closed, cb is called immediately with the closing
// error, which is also returned.
func (r *registry) submit(hash string, cb Callback) (dispatch bool, err error) {
	r.lk.Lock()
	if r.closed != nil {
		err = r.closed
		r.lk.Unlock()
		invoke(cb, Result{Hash: hash, Err: err})
		return false, err
	}
	defer r.lk.Unlock()

	if entry, ok := r.entries[hash]; ok {
		entry.callbacks = append(entry.callbacks, cb)
		return false, nil
	}

	r.entries[hash] = &pendingEntry{
		callbacks:    []Callback{cb},
		dispatchedAt: time.Now(),
	}
	return true, nil
}

// resolve delivers result to every callback waiting for hash, in the order
// they were submitted. Callbacks run outside of the lock, so they may
// submit again.
//
// When the registry is closed by one of them, the following ones receive
// the closing error instead of result.
func (r *registry) resolve(hash string, result Result) (resolution, error) {
	r.lk.Lock()
	if r.closed != nil {
		r.lk.Unlock()
		return resolution{}, errRegistryClosed
	}

	entry, ok := r.entries[hash]
	if !ok {
		r.lk.Unlock()
		return resolution{}, &UnknownHashError{Hash: hash}
	}
	delete(r.entries, hash)
	r.lk.Unlock()

	for _, cb := range entry.callbacks {
		invoke(cb, r.settle(result))
	}

	return resolution{
		waiters: len(entry.callbacks),
		elapsed: time.Since(entry.dispatchedAt),
	}, nil
}

// settle returns result, or the closing error once the registry is closed.
func (r *registry) settle(result Result) Result {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.closed != nil {
		return Result{Hash: result.Hash, Err: r.closed}
	}
	return result
}

// fail resolves hash with a synthetic error result, if it is still
// pending.
func (r *registry) fail(hash string, err error) {
	_, _ = r.resolve(hash, Result{Hash: hash, Err: err})
}

// abandoned holds the callbacks of a hash left pending by close.
type abandoned struct {
	hash      string
	callbacks []Callback
}

// close makes the registry reject anything submitted or resolved afterwards
// and returns the callbacks still pending, ordered by hash. The caller
// fails them with failAbandoned, once it released its own locks.
func (r *registry) close(err error) []abandoned {
	r.lk.Lock()
	if r.closed != nil {
		r.lk.Unlock()
		return nil
	}
	r.closed = err
	entries := r.entries
	r.entries = make(map[string]*pendingEntry)
	r.lk.Unlock()

	hashes := make([]string, 0, len(entries))
	for hash := range entries {
		hashes = append(hashes, hash)
	}
	slices.Sort(hashes)

	pending := make([]abandoned, 0, len(hashes))
	for _, hash := range hashes {
		pending = append(pending, abandoned{hash: hash, callbacks: entries[hash].callbacks})
	}
	return pending
}

// countAbandoned returns the number of callbacks in pending.
func countAbandoned(pending []abandoned) int {
	count := 0
	for _, a := range pending {
		count += len(a.callbacks)
	}
	return count
}

// failAbandoned calls back everything close returned with err.
func failAbandoned(pending []abandoned, err error) {
	for _, a := range pending {
		for _, cb := range a.callbacks {
			invoke(cb, Result{Hash: a.hash, Err: err})
		}
	}
}

// inFlight returns the number of hashes in flight.
func (r *registry) inFlight() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.entries)
}

func invoke(cb Callback, result Result) {
	if cb != nil {
		cb(result)
	}
}
