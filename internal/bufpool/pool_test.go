package bufpool

import "testing"

func TestGetReturnsFullSizeBuffers(t *testing.T) {
	p := New(1024)
	buf := p.Get()
	if len(buf) != 1024 {
		t.Fatalf("len = %d, want 1024", len(buf))
	}
	if p.Size() != 1024 {
		t.Fatalf("Size = %d, want 1024", p.Size())
	}
}

func TestPutAcceptsReslicedBuffers(t *testing.T) {
	p := New(1024)
	buf := p.Get()[:10] // partial final part
	p.Put(buf)

	again := p.Get()
	if len(again) != 1024 {
		t.Fatalf("recycled buffer len = %d, want 1024", len(again))
	}
}

func TestPutDropsUndersizedBuffers(t *testing.T) {
	p := New(1024)
	p.Put(make([]byte, 512)) // must not poison the pool

	buf := p.Get()
	if len(buf) != 1024 {
		t.Fatalf("len = %d, want 1024", len(buf))
	}
}

func TestNewPanicsOnInvalidSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-positive size")
		}
	}()
	New(0)
}
