package framer

import "testing"

func v4Header(totalLen uint16) []byte {
	h := make([]byte, v4HeaderLen)
	h[0] = 0x45 // version 4, IHL 5
	h[2] = byte(totalLen >> 8)
	h[3] = byte(totalLen)
	return h
}

func v6Header(payloadLen uint16) []byte {
	h := make([]byte, v6HeaderLen)
	h[0] = 0x60
	h[4] = byte(payloadLen >> 8)
	h[5] = byte(payloadLen)
	return h
}

func TestPeekLenWholeHeaderInB1(t *testing.T) {
	h := v4Header(1500)
	totalLen, version, ok := PeekLen(h, nil)
	if !ok || version != 4 || totalLen != 1500 {
		t.Fatalf("got totalLen=%d version=%d ok=%v", totalLen, version, ok)
	}
}

func TestPeekLenSplitAcrossWrapBeforeLengthField(t *testing.T) {
	h := v4Header(64)
	for split := 0; split <= 3; split++ {
		b1 := h[:split]
		b2 := h[split:]
		totalLen, version, ok := PeekLen(b1, b2)
		if !ok || version != 4 || totalLen != 64 {
			t.Fatalf("split=%d: got totalLen=%d version=%d ok=%v", split, totalLen, version, ok)
		}
	}
}

func TestPeekLenInsufficientBytes(t *testing.T) {
	h := v4Header(64)
	_, _, ok := PeekLen(h[:1], nil)
	if ok {
		t.Fatal("expected not-enough-bytes to report ok=false")
	}
}

func TestPeekLenIPv6AddsHeaderLength(t *testing.T) {
	h := v6Header(40)
	totalLen, version, ok := PeekLen(h, nil)
	if !ok || version != 6 || totalLen != 80 {
		t.Fatalf("got totalLen=%d version=%d ok=%v", totalLen, version, ok)
	}
}

func TestPeekLenUnknownVersionIsFatalToFrame(t *testing.T) {
	b := []byte{0x00, 0, 0, 0}
	_, version, ok := PeekLen(b, nil)
	if ok || version != 0 {
		t.Fatalf("expected version=0 ok=false for bad nibble, got version=%d ok=%v", version, ok)
	}
}

func TestAssemblyBufferGrowsByDoubling(t *testing.T) {
	a := NewAssemblyBuffer(16)
	a.Begin(100)
	if cap(a.Bytes()[:cap(a.buf)]) < 100 {
		t.Fatalf("expected growth to cover 100 bytes, cap=%d", cap(a.buf))
	}
	if cap(a.buf) != 128 {
		t.Fatalf("expected 16 doubled to 128, cap=%d", cap(a.buf))
	}
	if a.InProgress() != true {
		t.Fatal("expected InProgress after Begin")
	}
	a.Append(make([]byte, 100))
	if a.Remaining() != 0 {
		t.Fatalf("expected 0 remaining, got %d", a.Remaining())
	}
	a.Reset()
	if a.InProgress() {
		t.Fatal("expected no packet in progress after Reset")
	}
}

func TestAssemblyBufferAppendOverflowPanics(t *testing.T) {
	a := NewAssemblyBuffer(16)
	a.Begin(10)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overflow append")
		}
	}()
	a.Append(make([]byte, 11))
}
