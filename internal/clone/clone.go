// Package clone makes deep copies of arbitrary object graphs by serialising
// them to a binary buffer and reading them back. Shared pointers and maps stay
// shared in the copy, cycles are preserved and unexported fields are copied.
//
// Values stored in interface fields must have their concrete type registered
// first, the same way encoding/gob requires. Non-nil funcs and channels
// cannot be copied.
//
// When the encoded form would outgrow the buffer limit the cloner falls back
// to a slower reflective deep copy that needs no buffer.
package clone

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnsupported marks a value kind that cannot be copied, such as a
	// non-nil func or channel.
	ErrUnsupported = errors.New("clone: unsupported value")
	// ErrUnregistered marks an interface holding a concrete type that was not
	// registered.
	ErrUnregistered = errors.New("clone: unregistered interface type")
	// ErrCorrupt means the encoded buffer did not decode cleanly.
	ErrCorrupt = errors.New("clone: corrupt encoding")

	errLimit = errors.New("clone: buffer limit reached")
)

// Error wraps a failure with the type being processed.
type Error struct {
	Op   string
	Type reflect.Type
	Err  error
}

func (e *Error) Error() string {
	if e.Type == nil {
		return fmt.Sprintf("clone %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("clone %s %s: %v", e.Op, e.Type, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DefaultBufferLimit caps the encode buffer.
const DefaultBufferLimit = math.MaxInt32

// Option configures a Cloner.
type Option func(*Cloner)

// WithBufferLimit sets the largest encode buffer before falling back to the
// reflective copy.
func WithBufferLimit(n int) Option {
	return func(c *Cloner) {
		if n > 0 {
			c.limit = n
		}
	}
}

// Cloner copies object graphs. It is safe for concurrent use.
type Cloner struct {
	limit int

	mu    sync.RWMutex
	names map[reflect.Type]string
	types map[string]reflect.Type

	fallbacks atomic.Int64
}

// New returns a Cloner with the given options.
func New(opts ...Option) *Cloner {
	c := &Cloner{
		limit: DefaultBufferLimit,
		names: make(map[reflect.Type]string),
		types: make(map[string]reflect.Type),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register records the concrete type of v so it can be copied when held in
// an interface. Registering two different types under one name panics.
func (c *Cloner) Register(v any) {
	t := reflect.TypeOf(v)
	if t == nil {
		panic("clone: Register of nil")
	}
	name := typeName(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.types[name]; ok && prev != t {
		panic(fmt.Sprintf("clone: registering duplicate types for %q: %s != %s", name, prev, t))
	}
	c.types[name] = t
	c.names[t] = name
}

func typeName(t reflect.Type) string {
	if t.Name() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	if t.Kind() == reflect.Pointer && t.Elem().Name() != "" {
		return "*" + typeName(t.Elem())
	}
	return t.String()
}

func (c *Cloner) nameOf(t reflect.Type) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.names[t]
	return n, ok
}

func (c *Cloner) typeOf(name string) (reflect.Type, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.types[name]
	return t, ok
}

// Fallbacks returns how many copies used the reflective fallback.
func (c *Cloner) Fallbacks() int64 { return c.fallbacks.Load() }

// EstimateSize returns the encoded size of v in bytes without allocating the
// buffer.
func (c *Cloner) EstimateSize(v any) (int, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return 0, nil
	}
	root := reflect.New(rv.Type()).Elem()
	root.Set(rv)
	return c.measure(root, math.MaxInt)
}

// measure runs a counting pass over root, stopping with errLimit once the
// count passes limit.
func (c *Cloner) measure(root reflect.Value, limit int) (int, error) {
	e := &encoder{c: c, sink: sink{counting: true, limit: limit}, ids: make(map[identity]int)}
	if err := e.encode(root); err != nil {
		return 0, err
	}
	return e.sink.n, nil
}

// encode serialises src into a buffer allocated once at the measured size.
// It returns errLimit, having allocated nothing, when the encoding would
// pass the buffer limit.
func (c *Cloner) encode(src reflect.Value) ([]byte, error) {
	n, err := c.measure(src, c.limit)
	if err != nil {
		return nil, err
	}
	e := &encoder{c: c, sink: sink{buf: make([]byte, 0, n), limit: n}, ids: make(map[identity]int)}
	if err := e.encode(src); err != nil {
		return nil, err
	}
	return e.sink.buf, nil
}

// Copy returns a deep copy of v. The encoded size is measured first; a value
// too large for the buffer limit goes straight to the reflective copy.
func Copy[T any](c *Cloner, v T) (T, error) {
	var out T
	src := reflect.ValueOf(&v).Elem()
	dst := reflect.ValueOf(&out).Elem()

	buf, err := c.encode(src)
	switch {
	case errors.Is(err, errLimit):
		c.fallbacks.Add(1)
		if err := deepCopy(dst, src); err != nil {
			return out, err
		}
		return out, nil
	case err != nil:
		return out, err
	}

	d := &decoder{c: c, buf: buf}
	if err := d.decode(dst); err != nil {
		return out, err
	}
	if d.pos != len(d.buf) {
		return out, &Error{Op: "decode", Type: dst.Type(), Err: fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(d.buf)-d.pos)}
	}
	return out, nil
}
