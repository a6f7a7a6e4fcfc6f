package tensor

import (
	"sync"
	"testing"
)

func TestNewAndFromData(t *testing.T) {
	x := New(2, 3, 4, 4)
	if x.Numel() != 96 {
		t.Errorf("expected 96 elements, got %d", x.Numel())
	}
	if x.SampleSize() != 48 {
		t.Errorf("expected sample size 48, got %d", x.SampleSize())
	}

	if _, err := FromData(make([]float32, 5), 2, 3); err == nil {
		t.Error("expected length mismatch error")
	}

	y, err := FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	if err != nil {
		t.Fatalf("FromData failed: %v", err)
	}
	s := y.Sample(1)
	if len(s) != 3 || s[0] != 4 || s[2] != 6 {
		t.Errorf("unexpected sample view %v", s)
	}

	// Sample is a view, not a copy.
	s[0] = 40
	if y.Data[3] != 40 {
		t.Error("Sample should alias the tensor data")
	}
}

func TestCloneReshapeStack(t *testing.T) {
	x := MustFromData([]float32{1, 2, 3, 4}, 1, 4)
	c := x.Clone()
	c.Data[0] = 9
	if x.Data[0] != 1 {
		t.Error("Clone must not share data")
	}

	r, err := x.Reshape(2, 2)
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if !ShapeEqual(r.Shape, []int{2, 2}) {
		t.Errorf("unexpected shape %v", r.Shape)
	}
	if _, err := x.Reshape(3); err == nil {
		t.Error("expected reshape error")
	}

	st, err := Stack([][]float32{{1, 2}, {3, 4}, {5, 6}}, []int{2})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if !ShapeEqual(st.Shape, []int{3, 2}) || st.Data[5] != 6 {
		t.Errorf("unexpected stack result %v %v", st.Shape, st.Data)
	}
	if _, err := Stack([][]float32{{1}, {1, 2}}, []int{1}); err == nil {
		t.Error("expected ragged stack error")
	}
}

func TestBatched(t *testing.T) {
	shape := []int{3, 224, 224}
	got := Batched(shape, 2)
	if !ShapeEqual(got, []int{2, 3, 224, 224}) {
		t.Errorf("expected NCHW shape, got %v", got)
	}
	if !ShapeEqual(shape, []int{3, 224, 224}) {
		t.Errorf("Batched modified its input: %v", shape)
	}
	if n := NumElements(Batched(shape, 4)); n != 4*NumElements(shape) {
		t.Errorf("expected %d elements, got %d", 4*NumElements(shape), n)
	}
}

func TestBufferPoolReuse(t *testing.T) {
	bp := NewBufferPool()

	buf := bp.Get(100)
	if len(buf) != 100 || cap(buf) != 128 {
		t.Fatalf("expected len 100 cap 128, got len %d cap %d", len(buf), cap(buf))
	}
	buf[0] = 7
	bp.Put(buf)

	again := bp.Get(120)
	if len(again) != 120 {
		t.Fatalf("expected len 120, got %d", len(again))
	}
	for i, v := range again {
		if v != 0 {
			t.Fatalf("buffer not zeroed at %d: %v", i, v)
		}
	}

	stats := bp.Stats()[128]
	if stats.Gets != 2 || stats.Puts != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.MaxInUse != 1 {
		t.Errorf("expected max in use 1, got %d", stats.MaxInUse)
	}

	// Foreign buffers are ignored.
	bp.Put(make([]float32, 10))
}

func TestBufferPoolConcurrent(t *testing.T) {
	bp := NewBufferPool()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b := bp.Get(64 + i%32)
				b[0] = 1
				bp.Put(b)
			}
		}()
	}
	wg.Wait()

	for size, s := range bp.Stats() {
		if s.InUse != 0 {
			t.Errorf("bucket %d still has %d buffers in use", size, s.InUse)
		}
	}
}

func TestRoundUpToPowerOf2(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {64, 64}, {65, 128},
	}
	for _, tt := range tests {
		if got := roundUpToPowerOf2(tt.in); got != tt.want {
			t.Errorf("roundUpToPowerOf2(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
