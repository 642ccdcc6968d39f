// Package artifact provides run-scoped memoization of derived analysis artifacts.
//
// A Context is created once per analysis run and passed explicitly into every
// entry point. Each Computed artifact is identified by its kind plus a structural
// fingerprint of its input, so independently constructed but equal inputs share a
// single computation. Entries are insert-if-absent: once created they are never
// overwritten, and failures are replayed to every later caller of the same identity.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Key identifies one memoized computation.
type Key struct {
	Kind        string
	Fingerprint string
}

// ComputationError records the first failure of an artifact computation.
// The same *ComputationError is returned to every caller of that identity.
type ComputationError struct {
	Kind string
	Err  error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("compute %s: %v", e.Kind, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

type entry struct {
	done  chan struct{}
	value any
	err   error
}

// Stats counts cache traffic for one Context.
type Stats struct {
	Hits    int `json:"hits"`
	Misses  int `json:"misses"`
	Entries int `json:"entries"`
}

// Context owns the identity-to-result mapping for a single analysis run.
// Dropping the Context discards every entry; nothing persists across runs.
type Context struct {
	ID string

	mu      sync.Mutex
	entries map[Key]*entry
	prints  map[identity]pinnedPrint
	hits    int
	misses  int
}

// identity is the address of a pointer or slice input.
type identity struct {
	typ reflect.Type
	ptr uintptr
	len int
}

// pinnedPrint holds the input alongside its fingerprint so its address cannot
// be reused by another input during the run.
type pinnedPrint struct {
	value any
	fp    string
}

// NewContext creates an empty cache scoped to a new run.
func NewContext() *Context {
	return &Context{
		ID:      uuid.NewString(),
		entries: make(map[Key]*entry),
		prints:  make(map[identity]pinnedPrint),
	}
}

// Stats returns a snapshot of cache traffic.
func (ac *Context) Stats() Stats {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return Stats{Hits: ac.hits, Misses: ac.misses, Entries: len(ac.entries)}
}

// acquire returns the entry for key, creating it when absent.
// owner is true for the caller that must run the computation.
func (ac *Context) acquire(key Key) (e *entry, owner bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if e, ok := ac.entries[key]; ok {
		ac.hits++
		return e, false
	}
	e = &entry{done: make(chan struct{})}
	ac.entries[key] = e
	ac.misses++
	return e, true
}

// discard removes an entry whose computation was aborted so that a later run
// of the same identity starts fresh.
func (ac *Context) discard(key Key, e *entry) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.entries[key] == e {
		delete(ac.entries, key)
	}
}

// Computed is a named artifact computation over inputs of type In.
type Computed[In, Out any] struct {
	kind    string
	compute func(context.Context, *Context, In) (Out, error)
}

// New declares an artifact kind. compute may request other artifacts through
// the *Context it receives.
func New[In, Out any](kind string, compute func(context.Context, *Context, In) (Out, error)) *Computed[In, Out] {
	return &Computed[In, Out]{kind: kind, compute: compute}
}

// Kind returns the artifact kind name.
func (c *Computed[In, Out]) Kind() string { return c.kind }

// Request returns the artifact for in, computing it at most once per distinct
// input within ac.
func (c *Computed[In, Out]) Request(ctx context.Context, ac *Context, in In) (Out, error) {
	var zero Out
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	fp, err := ac.Fingerprint(in)
	if err != nil {
		return zero, fmt.Errorf("fingerprint %s input: %w", c.kind, err)
	}
	key := Key{Kind: c.kind, Fingerprint: fp}

	e, owner := ac.acquire(key)
	if owner {
		logrus.Debugf("[run %s] computing %s (%s)", ac.ID, c.kind, fp[:12])
		c.run(ctx, ac, key, e, in)
	} else {
		logrus.Debugf("[run %s] cache hit %s (%s)", ac.ID, c.kind, fp[:12])
	}

	select {
	case <-e.done:
	default:
		select {
		case <-e.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	if e.err != nil {
		return zero, e.err
	}
	return e.value.(Out), nil
}

func (c *Computed[In, Out]) run(ctx context.Context, ac *Context, key Key, e *entry, in In) {
	finished := false
	defer func() {
		if !finished {
			// compute panicked; release waiters before the panic unwinds further
			e.err = &ComputationError{Kind: c.kind, Err: errors.New("computation panicked")}
			close(e.done)
		}
	}()

	v, err := c.compute(ctx, ac, in)
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		ac.discard(key, e)
		e.err = err
	case err != nil:
		e.err = &ComputationError{Kind: c.kind, Err: err}
	default:
		e.value = v
	}
	finished = true
	close(e.done)
}

// Fingerprinter is implemented by inputs that assemble their fingerprint from
// their parts, so parts shared between requests are hashed once per run.
type Fingerprinter interface {
	Fingerprint(ac *Context) (string, error)
}

func identityOf(v any) (identity, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return identity{}, false
		}
		return identity{typ: rv.Type(), ptr: rv.Pointer()}, true
	case reflect.Slice:
		if rv.Len() == 0 {
			return identity{}, false
		}
		return identity{typ: rv.Type(), ptr: rv.Pointer(), len: rv.Len()}, true
	}
	return identity{}, false
}

// Fingerprint returns the structural fingerprint of v. Pointer and slice
// inputs are hashed once per run and must not be mutated while it lasts.
func (ac *Context) Fingerprint(v any) (string, error) {
	if f, ok := v.(Fingerprinter); ok {
		return f.Fingerprint(ac)
	}
	id, ok := identityOf(v)
	if !ok {
		return Fingerprint(v)
	}
	ac.mu.Lock()
	p, hit := ac.prints[id]
	ac.mu.Unlock()
	if hit {
		return p.fp, nil
	}
	fp, err := Fingerprint(v)
	if err != nil {
		return "", err
	}
	ac.mu.Lock()
	ac.prints[id] = pinnedPrint{value: v, fp: fp}
	ac.mu.Unlock()
	return fp, nil
}

// CombineFingerprints hashes the fingerprints of parts, in order.
func (ac *Context) CombineFingerprints(parts ...any) (string, error) {
	h := sha256.New()
	for i, part := range parts {
		fp, err := ac.Fingerprint(part)
		if err != nil {
			return "", fmt.Errorf("part %d: %w", i, err)
		}
		h.Write([]byte(fp))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Fingerprint returns a structural hash of v: equal JSON encodings produce
// equal fingerprints regardless of pointer identity.
func Fingerprint(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
