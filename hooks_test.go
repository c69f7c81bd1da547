package vellum

import (
	"errors"
	"testing"
)

func TestPipelineOrder(t *testing.T) {
	p := newPipeline[[]byte](EventWritePost, false)
	for _, suffix := range []string{"a", "b", "c"} {
		suffix := suffix
		p.Register(func(_ Event, _ any, data []byte) ([]byte, error) {
			return append(data, suffix...), nil
		})
	}

	out, err := p.Fire(nil, []byte("x"))
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if string(out) != "xabc" {
		t.Errorf("got %q, want %q", out, "xabc")
	}
}

func TestPipelineReverseOrder(t *testing.T) {
	p := newPipeline[[]byte](EventReadPre, true)
	for _, suffix := range []string{"a", "b", "c"} {
		suffix := suffix
		p.Register(func(_ Event, _ any, data []byte) ([]byte, error) {
			return append(data, suffix...), nil
		})
	}

	out, err := p.Fire(nil, []byte("x"))
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if string(out) != "xcba" {
		t.Errorf("got %q, want %q", out, "xcba")
	}
}

func TestPipelineInversionContract(t *testing.T) {
	// Layers registered [L0, L1, L2]: write must produce L2(L1(L0(x))),
	// read must peel them as L0⁻¹(L1⁻¹(L2⁻¹(y))).
	write := newPipeline[[]byte](EventWritePost, false)
	read := newPipeline[[]byte](EventReadPre, true)

	for _, layer := range []string{"0", "1", "2"} {
		layer := layer
		write.Register(func(_ Event, _ any, data []byte) ([]byte, error) {
			return append([]byte("L"+layer+"("), append(data, ')')...), nil
		})
		read.Register(func(_ Event, _ any, data []byte) ([]byte, error) {
			prefix := "L" + layer + "("
			if len(data) < len(prefix)+1 || string(data[:len(prefix)]) != prefix {
				return nil, errors.New("layer " + layer + ": unexpected framing")
			}
			return data[len(prefix) : len(data)-1], nil
		})
	}

	wrapped, err := write.Fire(nil, []byte("x"))
	if err != nil {
		t.Fatalf("write Fire: %v", err)
	}
	if string(wrapped) != "L2(L1(L0(x)))" {
		t.Fatalf("write order wrong: %q", wrapped)
	}

	unwrapped, err := read.Fire(nil, wrapped)
	if err != nil {
		t.Fatalf("read Fire: %v", err)
	}
	if string(unwrapped) != "x" {
		t.Errorf("round trip got %q, want %q", unwrapped, "x")
	}
}

func TestPipelineUnchangedSentinel(t *testing.T) {
	p := newPipeline[[]byte](EventWritePost, false)
	p.Register(func(_ Event, _ any, data []byte) ([]byte, error) {
		return nil, nil // unchanged
	})
	var saw []byte
	p.Register(func(_ Event, _ any, data []byte) ([]byte, error) {
		saw = data
		return append(data, '!'), nil
	})

	out, err := p.Fire(nil, []byte("keep"))
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if string(saw) != "keep" {
		t.Errorf("second handler saw %q, want original payload", saw)
	}
	if string(out) != "keep!" {
		t.Errorf("got %q, want %q", out, "keep!")
	}
}

func TestPipelineErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	p := newPipeline[[]byte](EventWritePost, false)
	ran := 0
	p.Register(func(_ Event, _ any, data []byte) ([]byte, error) {
		ran++
		return nil, boom
	})
	p.Register(func(_ Event, _ any, data []byte) ([]byte, error) {
		ran++
		return data, nil
	})

	if _, err := p.Fire(nil, []byte("x")); !errors.Is(err, boom) {
		t.Fatalf("Fire error = %v, want boom", err)
	}
	if ran != 1 {
		t.Errorf("ran %d handlers, want 1", ran)
	}
}

func TestPipelineSourcePassedThrough(t *testing.T) {
	p := newPipeline[[]byte](EventWritePost, false)
	marker := &struct{ name string }{"storage"}
	p.Register(func(event Event, source any, data []byte) ([]byte, error) {
		if event != EventWritePost {
			t.Errorf("event = %q, want %q", event, EventWritePost)
		}
		if source != marker {
			t.Errorf("source = %v, want marker", source)
		}
		return data, nil
	})
	if _, err := p.Fire(marker, []byte("x")); err != nil {
		t.Fatalf("Fire: %v", err)
	}
}

func TestBroadcastOrderAndAbort(t *testing.T) {
	b := newBroadcast(EventCreate)
	var order []string
	b.Register(func(_ Event, _ any, _ any) error {
		order = append(order, "first")
		return nil
	})
	boom := errors.New("boom")
	b.Register(func(_ Event, _ any, _ any) error {
		order = append(order, "second")
		return boom
	})
	b.Register(func(_ Event, _ any, _ any) error {
		order = append(order, "third")
		return nil
	})

	err := b.Fire(nil, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Fire error = %v, want boom", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("execution order = %v, want [first second]", order)
	}
}

func TestChainLimit(t *testing.T) {
	p := newPipeline[[]byte](EventWritePost, false)
	p.SetLimit(2)
	nop := func(_ Event, _ any, data []byte) ([]byte, error) { return data, nil }

	if err := p.Register(nop); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := p.Register(nop); err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if err := p.Register(nop); !errors.Is(err, ErrChainLimit) {
		t.Errorf("third Register error = %v, want ErrChainLimit", err)
	}

	b := newBroadcast(EventCreate)
	b.SetLimit(1)
	if err := b.Register(func(Event, any, any) error { return nil }); err != nil {
		t.Fatalf("broadcast Register: %v", err)
	}
	if err := b.Register(func(Event, any, any) error { return nil }); !errors.Is(err, ErrChainLimit) {
		t.Errorf("broadcast Register error = %v, want ErrChainLimit", err)
	}
}

func TestEmptyChains(t *testing.T) {
	p := newPipeline[[]byte](EventWritePost, false)
	out, err := p.Fire(nil, []byte("payload"))
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if string(out) != "payload" {
		t.Errorf("empty pipeline changed payload: %q", out)
	}

	b := newBroadcast(EventClose)
	if err := b.Fire(nil, nil); err != nil {
		t.Errorf("empty broadcast Fire: %v", err)
	}
}
