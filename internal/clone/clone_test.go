package clone

import (
	"errors"
	"reflect"
	"testing"
)

type leaf struct {
	Value float64
	tags  []string
}

type node struct {
	Name   string
	parent *node
	kids   []*node
	shared *leaf
	index  map[string]*node
	shape  Shape
}

type Shape interface{ Area() float64 }

type square struct{ Side float64 }

func (s square) Area() float64 { return s.Side * s.Side }

func tree() *node {
	l := &leaf{Value: 3, tags: []string{"a", "b"}}
	root := &node{Name: "root", shared: l, index: map[string]*node{}}
	for _, name := range []string{"x", "y"} {
		kid := &node{Name: name, parent: root, shared: l}
		root.kids = append(root.kids, kid)
		root.index[name] = kid
	}
	root.index["root"] = root
	return root
}

func checkTree(t *testing.T, orig, cp *node) {
	t.Helper()
	if cp == orig {
		t.Fatalf("copy is the same pointer")
	}
	if cp.Name != "root" || len(cp.kids) != 2 {
		t.Fatalf("copy lost data: %+v", cp)
	}
	if cp.kids[0].parent != cp || cp.kids[1].parent != cp {
		t.Fatalf("parent cycle not preserved")
	}
	if cp.index["root"] != cp || cp.index["y"] != cp.kids[1] {
		t.Fatalf("map entries do not point into the copy")
	}
	if cp.shared == orig.shared {
		t.Fatalf("shared leaf not copied")
	}
	if cp.kids[0].shared != cp.shared || cp.kids[1].shared != cp.shared {
		t.Fatalf("shared leaf split into separate copies")
	}

	cp.shared.tags[0] = "changed"
	cp.shared.Value = 9
	if orig.shared.tags[0] != "a" || orig.shared.Value != 3 {
		t.Fatalf("mutating the copy changed the original")
	}
}

func TestCopyPreservesSharingAndCycles(t *testing.T) {
	c := New()
	orig := tree()
	cp, err := Copy(c, orig)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	checkTree(t, orig, cp)
	if c.Fallbacks() != 0 {
		t.Fatalf("unexpected fallback")
	}
}

func TestFallbackWhenBufferTooSmall(t *testing.T) {
	c := New(WithBufferLimit(8))
	orig := tree()
	orig.shape = square{Side: 2}
	cp, err := Copy(c, orig)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if c.Fallbacks() != 1 {
		t.Fatalf("fallbacks = %d, want 1", c.Fallbacks())
	}
	checkTree(t, orig, cp)
	if cp.shape.Area() != 4 {
		t.Fatalf("interface value lost in fallback copy")
	}
}

func TestEncodeBufferSizedFromEstimate(t *testing.T) {
	c := New()
	orig := tree()
	n, err := c.EstimateSize(orig)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	buf, err := c.encode(reflect.ValueOf(&orig).Elem())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(buf) != n || cap(buf) != n {
		t.Fatalf("buffer len %d cap %d, want both %d", len(buf), cap(buf), n)
	}

	small := New(WithBufferLimit(n - 1))
	buf, err = small.encode(reflect.ValueOf(&orig).Elem())
	if !errors.Is(err, errLimit) || buf != nil {
		t.Fatalf("over-limit encode gave %d bytes, %v; want nil and errLimit", len(buf), err)
	}
	cp, err := Copy(small, orig)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if small.Fallbacks() != 1 {
		t.Fatalf("fallbacks = %d, want 1", small.Fallbacks())
	}
	checkTree(t, orig, cp)
}

func TestInterfacesNeedRegistration(t *testing.T) {
	c := New()
	orig := tree()
	orig.shape = square{Side: 3}

	if _, err := Copy(c, orig); !errors.Is(err, ErrUnregistered) {
		t.Fatalf("expected ErrUnregistered, got %v", err)
	}
	c.Register(square{})
	cp, err := Copy(c, orig)
	if err != nil {
		t.Fatalf("copy after register: %v", err)
	}
	if cp.shape.Area() != 9 {
		t.Fatalf("area = %v, want 9", cp.shape.Area())
	}
}

func TestFuncIsUnsupported(t *testing.T) {
	type holder struct {
		Fn func() int
	}
	c := New()
	if _, err := Copy(c, holder{}); err != nil {
		t.Fatalf("nil func should copy: %v", err)
	}
	_, err := Copy(c, holder{Fn: func() int { return 1 }})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Op != "encode" {
		t.Fatalf("expected *Error from encode, got %T", err)
	}
}

func TestEstimateSize(t *testing.T) {
	c := New()
	n, err := c.EstimateSize(300)
	if err != nil || n != 2 {
		t.Fatalf("EstimateSize(300) = %d, %v; want 2", n, err)
	}
	n, err = c.EstimateSize("abc")
	if err != nil || n != 4 {
		t.Fatalf("EstimateSize(\"abc\") = %d, %v; want 4", n, err)
	}

	small, err := c.EstimateSize(tree())
	if err != nil {
		t.Fatalf("estimate tree: %v", err)
	}
	big := tree()
	big.kids[0].kids = []*node{{Name: "deeper"}}
	larger, err := c.EstimateSize(big)
	if err != nil {
		t.Fatalf("estimate bigger tree: %v", err)
	}
	if larger <= small {
		t.Fatalf("estimate did not grow: %d <= %d", larger, small)
	}
}

func TestNilRoot(t *testing.T) {
	var p *node
	cp, err := Copy(New(), p)
	if err != nil || cp != nil {
		t.Fatalf("copy of nil = %v, %v", cp, err)
	}
}
