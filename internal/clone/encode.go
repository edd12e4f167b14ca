package clone

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"unsafe"
)

// Reference tags for pointers, maps and interfaces.
const (
	tagNil byte = iota
	tagRef
	tagNew
)

// sink is the encode target. A counting sink only tallies bytes.
type sink struct {
	buf      []byte
	n        int
	limit    int
	counting bool
}

func (s *sink) reserve(k int) error {
	if s.n+k > s.limit || s.n+k < s.n {
		return errLimit
	}
	s.n += k
	if s.counting {
		return nil
	}
	if need := len(s.buf) + k; need > cap(s.buf) {
		grown := min(max(2*cap(s.buf), need), s.limit)
		nb := make([]byte, len(s.buf), grown)
		copy(nb, s.buf)
		s.buf = nb
	}
	return nil
}

func (s *sink) byte(b byte) error {
	if err := s.reserve(1); err != nil {
		return err
	}
	if !s.counting {
		s.buf = append(s.buf, b)
	}
	return nil
}

func (s *sink) bytes(p []byte) error {
	if err := s.reserve(len(p)); err != nil {
		return err
	}
	if !s.counting {
		s.buf = append(s.buf, p...)
	}
	return nil
}

func (s *sink) uvarint(x uint64) error {
	var tmp [binary.MaxVarintLen64]byte
	return s.bytes(tmp[:binary.PutUvarint(tmp[:], x)])
}

func (s *sink) varint(x int64) error {
	var tmp [binary.MaxVarintLen64]byte
	return s.bytes(tmp[:binary.PutVarint(tmp[:], x)])
}

func (s *sink) float(f float64) error {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(f))
	return s.bytes(tmp[:])
}

// identity keys a pointer or map by address and type, so a struct and its
// first field are not mistaken for each other.
type identity struct {
	addr uintptr
	typ  reflect.Type
}

type encoder struct {
	c    *Cloner
	sink sink
	ids  map[identity]int
	next int
}

// reference writes the tag for a pointer-like value and reports whether its
// contents still need encoding.
func (e *encoder) reference(v reflect.Value) (bool, error) {
	if v.IsNil() {
		return false, e.sink.byte(tagNil)
	}
	key := identity{addr: uintptr(v.UnsafePointer()), typ: v.Type()}
	if id, ok := e.ids[key]; ok {
		if err := e.sink.byte(tagRef); err != nil {
			return false, err
		}
		return false, e.sink.uvarint(uint64(id))
	}
	e.ids[key] = e.next
	e.next++
	return true, e.sink.byte(tagNew)
}

// addressable returns v itself, or an addressable copy, so unexported struct
// fields can be reached through unsafe.
func addressable(v reflect.Value) reflect.Value {
	if v.CanAddr() {
		return v
	}
	c := reflect.New(v.Type()).Elem()
	c.Set(v)
	return c
}

// field returns the i-th field of the addressable struct v, readable and
// writable even when unexported.
func field(v reflect.Value, i int) reflect.Value {
	f := v.Field(i)
	if f.CanSet() {
		return f
	}
	return reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem()
}

func (e *encoder) encode(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return e.sink.byte(1)
		}
		return e.sink.byte(0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.sink.varint(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return e.sink.uvarint(v.Uint())
	case reflect.Float32, reflect.Float64:
		return e.sink.float(v.Float())
	case reflect.Complex64, reflect.Complex128:
		x := v.Complex()
		if err := e.sink.float(real(x)); err != nil {
			return err
		}
		return e.sink.float(imag(x))
	case reflect.String:
		s := v.String()
		if err := e.sink.uvarint(uint64(len(s))); err != nil {
			return err
		}
		return e.sink.bytes(unsafe.Slice(unsafe.StringData(s), len(s)))
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := e.encode(v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if v.IsNil() {
			return e.sink.byte(tagNil)
		}
		if err := e.sink.byte(tagNew); err != nil {
			return err
		}
		if err := e.sink.uvarint(uint64(v.Len())); err != nil {
			return err
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return e.sink.bytes(v.Bytes())
		}
		for i := 0; i < v.Len(); i++ {
			if err := e.encode(v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		v = addressable(v)
		for i := 0; i < v.NumField(); i++ {
			if err := e.encode(field(v, i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Pointer:
		more, err := e.reference(v)
		if err != nil || !more {
			return err
		}
		return e.encode(v.Elem())
	case reflect.Map:
		more, err := e.reference(v)
		if err != nil || !more {
			return err
		}
		if err := e.sink.uvarint(uint64(v.Len())); err != nil {
			return err
		}
		it := v.MapRange()
		for it.Next() {
			if err := e.encode(it.Key()); err != nil {
				return err
			}
			if err := e.encode(it.Value()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Interface:
		if v.IsNil() {
			return e.sink.byte(tagNil)
		}
		concrete := v.Elem()
		name, ok := e.c.nameOf(concrete.Type())
		if !ok {
			return &Error{Op: "encode", Type: concrete.Type(), Err: ErrUnregistered}
		}
		if err := e.sink.byte(tagNew); err != nil {
			return err
		}
		if err := e.sink.uvarint(uint64(len(name))); err != nil {
			return err
		}
		if err := e.sink.bytes([]byte(name)); err != nil {
			return err
		}
		return e.encode(addressable(concrete))
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		if v.IsNil() {
			return e.sink.byte(tagNil)
		}
		return &Error{Op: "encode", Type: v.Type(), Err: ErrUnsupported}
	default:
		return &Error{Op: "encode", Type: v.Type(), Err: fmt.Errorf("%w: kind %s", ErrUnsupported, v.Kind())}
	}
}
