package protocol

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/gear6io/wirelink/pkg/errors"
)

// Factory returns a fresh, zero-valued message ready for Decode
type Factory func() Message

// Handler is invoked for every decoded message of the type it is registered
// for. Handlers of one message run concurrently.
type Handler func(ctx context.Context, peer Peer, msg Message) error

type entry struct {
	factory  Factory
	typ      reflect.Type
	handlers []Handler
}

// Registry maps message identifiers to factories and handlers
type Registry struct {
	mu      sync.RWMutex
	entries map[MessageID]*entry
}

// NewRegistry creates a registry holding the built-in protocol messages
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[MessageID]*entry)}
	for _, f := range builtins() {
		msg := f()
		r.entries[msg.ID()] = &entry{factory: f, typ: reflect.TypeOf(msg)}
	}
	return r
}

// Register adds a message type. Registering the same type twice is a no-op;
// a different type claiming a taken identifier fails with
// ErrDuplicateIdentifier.
func (r *Registry) Register(factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.register(factory)
	return err
}

func (r *Registry) register(factory Factory) (*entry, error) {
	if factory == nil {
		return nil, errors.New(ErrInvalidMessageType, "nil message factory", nil)
	}
	msg := factory()
	if msg == nil || isNilPointer(msg) {
		return nil, errors.New(ErrInvalidMessageType, "message factory returned nil", nil)
	}

	id := msg.ID()
	typ := reflect.TypeOf(msg)

	if existing, ok := r.entries[id]; ok {
		if existing.typ == typ {
			return existing, nil
		}
		return nil, errors.Newf(ErrDuplicateIdentifier, "identifier %d already registered", int32(id)).
			AddContext("registered", existing.typ.String()).
			AddContext("conflicting", typ.String())
	}

	if id <= 0 {
		return nil, errors.Newf(ErrInvalidMessageType, "message %s has no valid identifier", typ).
			AddContext("id", id.String())
	}
	if id.IsReserved() {
		return nil, errors.Newf(ErrInvalidMessageType, "identifier %d is reserved for protocol messages", int32(id)).
			AddContext("type", typ.String())
	}

	e := &entry{factory: factory, typ: typ}
	r.entries[id] = e
	return e, nil
}

func isNilPointer(msg Message) bool {
	v := reflect.ValueOf(msg)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// RegisterHandler registers the message type if needed and appends h to its
// handler list
func (r *Registry) RegisterHandler(factory Factory, h Handler) error {
	if h == nil {
		return errors.New(errors.CommonInvalidInput, "nil handler", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.register(factory)
	if err != nil {
		return err
	}
	e.handlers = append(e.handlers, h)
	return nil
}

// Handle registers a handler typed to the concrete message
func Handle[T Message](r *Registry, factory func() T, h func(ctx context.Context, peer Peer, msg T) error) error {
	if factory == nil {
		return errors.New(ErrInvalidMessageType, "nil message factory", nil)
	}
	if h == nil {
		return errors.New(errors.CommonInvalidInput, "nil handler", nil)
	}
	return r.RegisterHandler(
		func() Message { return factory() },
		func(ctx context.Context, peer Peer, msg Message) error {
			typed, ok := msg.(T)
			if !ok {
				return errors.Newf(ErrInvalidMessageType, "unexpected message %T", msg)
			}
			return h(ctx, peer, typed)
		},
	)
}

// New instantiates the message registered under id
func (r *Registry) New(id MessageID) (Message, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(ErrUnknownMessageIdentifier, "no message registered for identifier %d", int32(id))
	}
	return e.factory(), nil
}

// IsRegistered returns true if a message type owns id
func (r *Registry) IsRegistered(id MessageID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.entries[id]
	return ok
}

// Handlers returns a copy of the handlers registered for id
func (r *Registry) Handlers(id MessageID) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || len(e.handlers) == 0 {
		return nil
	}
	out := make([]Handler, len(e.handlers))
	copy(out, e.handlers)
	return out
}

// IDs returns every registered identifier in ascending order
func (r *Registry) IDs() []MessageID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]MessageID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns an independent snapshot. Later registrations on either
// registry are not visible to the other.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := &Registry{entries: make(map[MessageID]*entry, len(r.entries))}
	for id, e := range r.entries {
		handlers := make([]Handler, len(e.handlers))
		copy(handlers, e.handlers)
		out.entries[id] = &entry{factory: e.factory, typ: e.typ, handlers: handlers}
	}
	return out
}
