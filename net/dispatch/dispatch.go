// Package dispatch routes decoded envelopes to handlers by method name.
//
// Two tiers are consulted: handlers registered by the application first, then
// built-in protocol handlers. A method owned by a built-in cannot be
// registered by the application while that built-in is installed.
package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"wsrelay/net/envelope"

	log "github.com/sirupsen/logrus"
)

var (
	ErrUnroutable     = errors.New("dispatch: no handler defined for method")
	ErrReservedMethod = errors.New("dispatch: method is reserved by a built-in handler")
	ErrHandlerPanic   = errors.New("dispatch: handler panicked")
)

// Origin is the connection a message arrived on.
type Origin interface {
	ID() uint64
	RemoteAddr() string
	Send(data []byte) error
}

// Handler handles one decoded envelope.
type Handler interface {
	Handle(origin Origin, env *envelope.Envelope)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(origin Origin, env *envelope.Envelope)

func (f HandlerFunc) Handle(origin Origin, env *envelope.Envelope) {
	f(origin, env)
}

type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	builtins map[string]Handler
}

func NewTable() *Table {
	return &Table{
		handlers: make(map[string]Handler),
		builtins: make(map[string]Handler),
	}
}

// Handle registers an application handler for method, replacing any previous one.
func (t *Table) Handle(method string, h Handler) error {
	if method == "" {
		return errors.New("dispatch: empty method name")
	}
	if h == nil {
		return fmt.Errorf("dispatch: nil handler for %q", method)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.builtins[method]; ok {
		return fmt.Errorf("%w: %q", ErrReservedMethod, method)
	}
	t.handlers[method] = h

	log.Debugf("dispatch.Handle: %s", method)
	return nil
}

func (t *Table) HandleFunc(method string, f func(origin Origin, env *envelope.Envelope)) error {
	return t.Handle(method, HandlerFunc(f))
}

// Builtin installs a protocol handler. An application handler with the same name is dropped.
func (t *Table) Builtin(method string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handlers[method]; ok {
		log.Warnf("dispatch.Builtin: dropping application handler for reserved method %s", method)
		delete(t.handlers, method)
	}
	t.builtins[method] = h
}

// Methods lists every routable method, sorted.
func (t *Table) Methods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	methods := make([]string, 0, len(t.handlers)+len(t.builtins))
	for m := range t.handlers {
		methods = append(methods, m)
	}
	for m := range t.builtins {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

func (t *Table) lookup(method string) Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, ok := t.handlers[method]; ok {
		return h
	}
	return t.builtins[method]
}

// Dispatch routes env to its handler. An empty method is a no-op. The returned
// error is informational: ErrUnroutable when nothing handles the method,
// ErrHandlerPanic when the handler panicked.
func (t *Table) Dispatch(origin Origin, env *envelope.Envelope) (err error) {
	if env == nil || env.Method == "" {
		return nil
	}

	h := t.lookup(env.Method)
	if h == nil {
		return fmt.Errorf("%w %s", ErrUnroutable, env.Method)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, env.Method, r)
		}
	}()
	h.Handle(origin, env)
	return nil
}
