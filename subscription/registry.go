// Package subscription keeps one open push stream per key and reconciles the
// open set against a desired key set.
package subscription

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"chatsync/remote"
)

// Opener opens the streams for key.
type Opener[K comparable] func(key K) (remote.Subscription, error)

// Registry maps key -> open subscription. It never holds two subscriptions
// for the same key.
type Registry[K comparable] struct {
	name    string
	observe func(open int)

	// reconcileMu serializes mutations so two callers cannot open the same key.
	reconcileMu sync.Mutex

	mu      sync.Mutex
	entries map[K]remote.Subscription
	closed  bool
}

// ErrClosed is returned when opening on a closed registry.
var ErrClosed = errors.New("subscription: registry closed")

// New returns an empty registry. observe, when non-nil, receives the open
// count after every change.
func New[K comparable](name string, observe func(open int)) *Registry[K] {
	return &Registry[K]{
		name:    name,
		observe: observe,
		entries: make(map[K]remote.Subscription),
	}
}

// Diff splits desired against current into keys to open and keys to close.
func Diff[K comparable](current map[K]remote.Subscription, desired []K) (add, remove []K) {
	want := make(map[K]bool, len(desired))
	for _, key := range desired {
		if want[key] {
			continue
		}
		want[key] = true
		if _, ok := current[key]; !ok {
			add = append(add, key)
		}
	}
	for key := range current {
		if !want[key] {
			remove = append(remove, key)
		}
	}
	return add, remove
}

// Reconcile closes subscriptions whose key is not desired and opens one for
// every desired key that has none. Open failures are joined into the returned
// error; the remaining keys are still processed.
func (r *Registry[K]) Reconcile(desired []K, open Opener[K]) (opened, closed []K, err error) {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, ErrClosed
	}
	current := maps.Clone(r.entries)
	r.mu.Unlock()

	add, remove := Diff(current, desired)

	for _, key := range remove {
		if r.closeKey(key) {
			closed = append(closed, key)
		}
	}

	var errs []error
	for _, key := range add {
		ok, openErr := r.openKey(key, open)
		if openErr != nil {
			errs = append(errs, openErr)
			continue
		}
		if ok {
			opened = append(opened, key)
		}
	}

	if glog.V(2) {
		glog.Infof("[sub][%s]reconcile opened=%d closed=%d open=%d\n", r.name, len(opened), len(closed), r.Len())
	}
	return opened, closed, errors.Join(errs...)
}

// Open opens key if it is not open yet. It reports whether a new
// subscription was created.
func (r *Registry[K]) Open(key K, open Opener[K]) (bool, error) {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()
	return r.openKey(key, open)
}

// Close closes key's subscription. It reports whether key was open.
func (r *Registry[K]) Close(key K) bool {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()
	return r.closeKey(key)
}

// CloseAll closes every subscription and rejects later opens.
func (r *Registry[K]) CloseAll() {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[K]remote.Subscription)
	r.closed = true
	r.mu.Unlock()

	for key, sub := range entries {
		if err := sub.Close(); err != nil {
			glog.Warningf("[sub][%s]close %v failed: %v", r.name, key, err)
		}
	}
	r.notify()
}

// Has reports whether key is open.
func (r *Registry[K]) Has(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Len returns the number of open subscriptions.
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the open keys in no particular order.
func (r *Registry[K]) Keys() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]K, 0, len(r.entries))
	for key := range r.entries {
		out = append(out, key)
	}
	return out
}

func (r *Registry[K]) openKey(key K, open Opener[K]) (bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrClosed
	}
	if _, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()

	sub, err := open(key)
	if err != nil {
		return false, fmt.Errorf("open %s subscription %v: %w", r.name, key, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = sub.Close()
		return false, ErrClosed
	}
	r.entries[key] = sub
	r.mu.Unlock()

	r.notify()
	return true, nil
}

func (r *Registry[K]) closeKey(key K) bool {
	r.mu.Lock()
	sub, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := sub.Close(); err != nil {
		glog.Warningf("[sub][%s]close %v failed: %v", r.name, key, err)
	}
	r.notify()
	return true
}

func (r *Registry[K]) notify() {
	if r.observe != nil {
		r.observe(r.Len())
	}
}

// Join combines subscriptions so they close together.
func Join(subs ...remote.Subscription) remote.Subscription {
	var once sync.Once
	var closeErr error
	return remote.SubscriptionFunc(func() error {
		once.Do(func() {
			var errs []error
			for _, sub := range subs {
				if sub == nil {
					continue
				}
				if err := sub.Close(); err != nil {
					errs = append(errs, err)
				}
			}
			closeErr = errors.Join(errs...)
		})
		return closeErr
	})
}
