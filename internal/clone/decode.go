package clone

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

type decoder struct {
	c    *Cloner
	buf  []byte
	pos  int
	objs []reflect.Value
}

func (d *decoder) corrupt(t reflect.Type, format string, args ...any) error {
	return &Error{Op: "decode", Type: t, Err: fmt.Errorf("%w: "+format, append([]any{ErrCorrupt}, args...)...)}
}

func (d *decoder) byte(t reflect.Type) (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, d.corrupt(t, "unexpected end at %d", d.pos)
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) uvarint(t reflect.Type) (uint64, error) {
	x, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, d.corrupt(t, "bad uvarint at %d", d.pos)
	}
	d.pos += n
	return x, nil
}

func (d *decoder) varint(t reflect.Type) (int64, error) {
	x, n := binary.Varint(d.buf[d.pos:])
	if n <= 0 {
		return 0, d.corrupt(t, "bad varint at %d", d.pos)
	}
	d.pos += n
	return x, nil
}

func (d *decoder) float(t reflect.Type) (float64, error) {
	if d.pos+8 > len(d.buf) {
		return 0, d.corrupt(t, "short float at %d", d.pos)
	}
	f := math.Float64frombits(binary.LittleEndian.Uint64(d.buf[d.pos:]))
	d.pos += 8
	return f, nil
}

func (d *decoder) length(t reflect.Type) (int, error) {
	n, err := d.uvarint(t)
	if err != nil {
		return 0, err
	}
	if n > uint64(len(d.buf)-d.pos) && t.Kind() != reflect.Map && t.Elem().Size() > 0 {
		return 0, d.corrupt(t, "length %d exceeds buffer", n)
	}
	return int(n), nil
}

// reference reads a pointer-like tag. It returns done=true when v has been
// set from nil or a back reference.
func (d *decoder) reference(v reflect.Value) (bool, error) {
	tag, err := d.byte(v.Type())
	if err != nil {
		return false, err
	}
	switch tag {
	case tagNil:
		v.SetZero()
		return true, nil
	case tagRef:
		id, err := d.uvarint(v.Type())
		if err != nil {
			return false, err
		}
		if id >= uint64(len(d.objs)) {
			return false, d.corrupt(v.Type(), "reference %d of %d", id, len(d.objs))
		}
		obj := d.objs[id]
		if obj.Type() != v.Type() {
			return false, d.corrupt(v.Type(), "reference %d is %s", id, obj.Type())
		}
		v.Set(obj)
		return true, nil
	case tagNew:
		return false, nil
	default:
		return false, d.corrupt(v.Type(), "tag %d", tag)
	}
}

// decode fills the settable value v.
func (d *decoder) decode(v reflect.Value) error {
	t := v.Type()
	switch v.Kind() {
	case reflect.Bool:
		b, err := d.byte(t)
		v.SetBool(b == 1)
		return err
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		x, err := d.varint(t)
		v.SetInt(x)
		return err
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		x, err := d.uvarint(t)
		v.SetUint(x)
		return err
	case reflect.Float32, reflect.Float64:
		f, err := d.float(t)
		v.SetFloat(f)
		return err
	case reflect.Complex64, reflect.Complex128:
		re, err := d.float(t)
		if err != nil {
			return err
		}
		im, err := d.float(t)
		v.SetComplex(complex(re, im))
		return err
	case reflect.String:
		n, err := d.uvarint(t)
		if err != nil {
			return err
		}
		if n > uint64(len(d.buf)-d.pos) {
			return d.corrupt(t, "string length %d exceeds buffer", n)
		}
		v.SetString(string(d.buf[d.pos : d.pos+int(n)]))
		d.pos += int(n)
		return nil
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := d.decode(v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		tag, err := d.byte(t)
		if err != nil {
			return err
		}
		if tag == tagNil {
			v.SetZero()
			return nil
		}
		if tag != tagNew {
			return d.corrupt(t, "slice tag %d", tag)
		}
		n, err := d.length(t)
		if err != nil {
			return err
		}
		s := reflect.MakeSlice(t, n, n)
		if t.Elem().Kind() == reflect.Uint8 {
			copy(s.Bytes(), d.buf[d.pos:d.pos+n])
			d.pos += n
		} else {
			for i := 0; i < n; i++ {
				if err := d.decode(s.Index(i)); err != nil {
					return err
				}
			}
		}
		v.Set(s)
		return nil
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := d.decode(field(v, i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Pointer:
		done, err := d.reference(v)
		if err != nil || done {
			return err
		}
		p := reflect.New(t.Elem())
		d.objs = append(d.objs, p)
		v.Set(p)
		return d.decode(p.Elem())
	case reflect.Map:
		done, err := d.reference(v)
		if err != nil || done {
			return err
		}
		n, err := d.length(t)
		if err != nil {
			return err
		}
		m := reflect.MakeMapWithSize(t, n)
		d.objs = append(d.objs, m)
		v.Set(m)
		for i := 0; i < n; i++ {
			k := reflect.New(t.Key()).Elem()
			if err := d.decode(k); err != nil {
				return err
			}
			e := reflect.New(t.Elem()).Elem()
			if err := d.decode(e); err != nil {
				return err
			}
			m.SetMapIndex(k, e)
		}
		return nil
	case reflect.Interface:
		tag, err := d.byte(t)
		if err != nil {
			return err
		}
		if tag == tagNil {
			v.SetZero()
			return nil
		}
		if tag != tagNew {
			return d.corrupt(t, "interface tag %d", tag)
		}
		n, err := d.uvarint(t)
		if err != nil {
			return err
		}
		if n > uint64(len(d.buf)-d.pos) {
			return d.corrupt(t, "type name length %d", n)
		}
		name := string(d.buf[d.pos : d.pos+int(n)])
		d.pos += int(n)
		ct, ok := d.c.typeOf(name)
		if !ok {
			return &Error{Op: "decode", Type: t, Err: fmt.Errorf("%w: %q", ErrUnregistered, name)}
		}
		if !ct.AssignableTo(t) {
			return d.corrupt(t, "%s does not implement it", ct)
		}
		c := reflect.New(ct).Elem()
		if err := d.decode(c); err != nil {
			return err
		}
		v.Set(c)
		return nil
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		tag, err := d.byte(t)
		if err != nil {
			return err
		}
		if tag != tagNil {
			return &Error{Op: "decode", Type: t, Err: ErrUnsupported}
		}
		v.SetZero()
		return nil
	default:
		return &Error{Op: "decode", Type: t, Err: fmt.Errorf("%w: kind %s", ErrUnsupported, v.Kind())}
	}
}
