package univarproto

import "testing"

func TestEscapeRoundTripAllBytes(t *testing.T) {
	var b []byte
	for i := 1; i <= 0xFF; i++ {
		b = append(b, byte(i))
	}
	s := string(b)

	got := Unescape(Escape(s))
	if got != s {
		t.Fatalf("round trip mismatch: got %q want %q", got, s)
	}
}

func TestEncodeDecodeSet(t *testing.T) {
	m := Message{Op: OpSet, Name: "FOO", Value: "a:b\nc"}
	line := Encode(m)

	got, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != m {
		t.Fatalf("got %+v want %+v", got, m)
	}
}

func TestEncodeDecodeBarrier(t *testing.T) {
	got, err := Decode(Encode(Message{Op: OpBarrier}))
	if err != nil || got.Op != OpBarrier {
		t.Fatalf("barrier round trip failed: %+v %v", got, err)
	}

	got, err = Decode(Encode(Message{Op: OpBarrierAck}))
	if err != nil || got.Op != OpBarrierAck {
		t.Fatalf("barrier-ack round trip failed: %+v %v", got, err)
	}
}

func TestDecodeErase(t *testing.T) {
	got, err := Decode("ERASE FOO")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Op != OpErase || got.Name != "FOO" {
		t.Fatalf("got %+v", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode("GARBAGE"); err == nil {
		t.Fatalf("expected error decoding malformed line")
	}
}
