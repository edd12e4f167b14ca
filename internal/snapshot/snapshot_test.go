package snapshot

import (
	"errors"
	"sync"
	"testing"
)

type counter struct{ n int }

type counterBuilder struct{ n int }

func (b *counterBuilder) Build() counter { return counter{n: b.n} }

func TestCellStageCommit(t *testing.T) {
	var c Cell[counter, *counterBuilder]
	if !c.Empty() {
		t.Fatalf("new cell should be empty")
	}
	if err := c.Stage(&counterBuilder{n: 1}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := c.Stage(&counterBuilder{n: 2}); !errors.Is(err, ErrAlreadyStaged) {
		t.Fatalf("expected ErrAlreadyStaged, got %v", err)
	}
	b, err := c.Staged()
	if err != nil {
		t.Fatalf("staged: %v", err)
	}
	b.n = 5
	v, err := c.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v.n != 5 {
		t.Fatalf("commit built %d, want 5", v.n)
	}
	if !c.Empty() {
		t.Fatalf("cell not cleared after commit")
	}
	if _, err := c.Commit(); !errors.Is(err, ErrNothingStaged) {
		t.Fatalf("expected ErrNothingStaged, got %v", err)
	}
}

func TestLogNewestFirst(t *testing.T) {
	var l Log[int]
	for i := 1; i <= 5; i++ {
		l.Prepend(i)
	}
	if l.Len() != 5 {
		t.Fatalf("len = %d", l.Len())
	}
	if v, _ := l.Latest(); v != 5 {
		t.Fatalf("latest = %d, want 5", v)
	}
	if v, _ := l.At(4); v != 1 {
		t.Fatalf("oldest = %d, want 1", v)
	}
	if _, ok := l.At(5); ok {
		t.Fatalf("At past end should fail")
	}
	got := l.Recent(3)
	want := []int{5, 4, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("recent = %v, want %v", got, want)
		}
	}
	var seen []int
	l.Each(func(v int) bool {
		seen = append(seen, v)
		return v > 3
	})
	if len(seen) != 3 {
		t.Fatalf("each did not stop early: %v", seen)
	}
}

func TestLogConcurrentReaders(t *testing.T) {
	var l Log[int]
	l.Prepend(0)
	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if _, ok := l.Latest(); !ok {
					t.Errorf("latest missing")
					return
				}
			}
		}()
	}
	for i := 1; i < 100; i++ {
		l.Prepend(i)
	}
	wg.Wait()
	if l.Len() != 100 {
		t.Fatalf("len = %d", l.Len())
	}
}
