package clone

import (
	"reflect"
)

// deepCopy is the reflective fallback. It walks src once, copying into dst
// and keeping pointer and map identity through a visited table. Interfaces
// need no registration here because the concrete type is at hand.
func deepCopy(dst, src reflect.Value) error {
	w := &walker{seen: make(map[identity]reflect.Value)}
	return w.copy(dst, src)
}

type walker struct {
	seen map[identity]reflect.Value
}

func (w *walker) copy(dst, src reflect.Value) error {
	switch src.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128, reflect.String:
		dst.Set(src)
		return nil
	case reflect.Array:
		for i := 0; i < src.Len(); i++ {
			if err := w.copy(dst.Index(i), src.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if src.IsNil() {
			dst.SetZero()
			return nil
		}
		s := reflect.MakeSlice(src.Type(), src.Len(), src.Len())
		if src.Type().Elem().Kind() == reflect.Uint8 {
			reflect.Copy(s, src)
		} else {
			for i := 0; i < src.Len(); i++ {
				if err := w.copy(s.Index(i), src.Index(i)); err != nil {
					return err
				}
			}
		}
		dst.Set(s)
		return nil
	case reflect.Struct:
		src = addressable(src)
		for i := 0; i < src.NumField(); i++ {
			if err := w.copy(field(dst, i), field(src, i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Pointer:
		if src.IsNil() {
			dst.SetZero()
			return nil
		}
		key := identity{addr: uintptr(src.UnsafePointer()), typ: src.Type()}
		if p, ok := w.seen[key]; ok {
			dst.Set(p)
			return nil
		}
		p := reflect.New(src.Type().Elem())
		w.seen[key] = p
		dst.Set(p)
		return w.copy(p.Elem(), src.Elem())
	case reflect.Map:
		if src.IsNil() {
			dst.SetZero()
			return nil
		}
		key := identity{addr: uintptr(src.UnsafePointer()), typ: src.Type()}
		if m, ok := w.seen[key]; ok {
			dst.Set(m)
			return nil
		}
		m := reflect.MakeMapWithSize(src.Type(), src.Len())
		w.seen[key] = m
		dst.Set(m)
		it := src.MapRange()
		for it.Next() {
			k := reflect.New(src.Type().Key()).Elem()
			if err := w.copy(k, it.Key()); err != nil {
				return err
			}
			v := reflect.New(src.Type().Elem()).Elem()
			if err := w.copy(v, it.Value()); err != nil {
				return err
			}
			m.SetMapIndex(k, v)
		}
		return nil
	case reflect.Interface:
		if src.IsNil() {
			dst.SetZero()
			return nil
		}
		concrete := src.Elem()
		c := reflect.New(concrete.Type()).Elem()
		if err := w.copy(c, concrete); err != nil {
			return err
		}
		dst.Set(c)
		return nil
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		if src.IsNil() {
			dst.SetZero()
			return nil
		}
		return &Error{Op: "copy", Type: src.Type(), Err: ErrUnsupported}
	default:
		return &Error{Op: "copy", Type: src.Type(), Err: ErrUnsupported}
	}
}
