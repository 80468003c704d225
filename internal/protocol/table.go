package protocol

import (
	"fmt"
	"sort"
)

// HandlerFunc handles one decoded message.
type HandlerFunc func(Message) error

// Table maps verbs to handlers.
// Registration is not safe for concurrent use; dispatch after setup is.
type Table struct {
	handlers map[string]HandlerFunc
}

// NewTable creates an empty dispatch table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]HandlerFunc)}
}

// Register binds verb to h.
//
// Precondition: verb must be non-empty; h must be non-nil.
// Postcondition: Returns an error if verb is already registered.
func (t *Table) Register(verb string, h HandlerFunc) error {
	if verb == "" {
		return fmt.Errorf("registering handler: empty verb")
	}
	if h == nil {
		return fmt.Errorf("registering handler for %q: nil handler", verb)
	}
	if _, exists := t.handlers[verb]; exists {
		return fmt.Errorf("duplicate handler for verb %q", verb)
	}
	t.handlers[verb] = h
	return nil
}

// MustRegister is Register for static setup; it panics on collision.
func (t *Table) MustRegister(verb string, h HandlerFunc) {
	if err := t.Register(verb, h); err != nil {
		panic(err)
	}
}

// Dispatch calls the handler registered for m.Verb.
//
// Postcondition: Returns an error wrapping ErrUnknownVerb if no handler is
// registered, otherwise the handler's error.
func (t *Table) Dispatch(m Message) error {
	h, ok := t.handlers[m.Verb]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVerb, m.Verb)
	}
	return h(m)
}

// Verbs returns the registered verbs in sorted order.
func (t *Table) Verbs() []string {
	verbs := make([]string, 0, len(t.handlers))
	for v := range t.handlers {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)
	return verbs
}
