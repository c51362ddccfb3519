package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPackedU32RoundTrip(t *testing.T) {
	cases := []uint32{0, 1, 127, 128, 300, 16384, 1<<21 - 1, 1 << 21, 1<<28 - 1, 1 << 28, ^uint32(0)}
	for _, v := range cases {
		enc := EncodePackedU32(v)
		if len(enc) > maxPackedLen {
			t.Fatalf("EncodePackedU32(%d) produced %d bytes, want <= %d", v, len(enc), maxPackedLen)
		}
		got, n, err := DecodePackedU32(enc)
		if err != nil {
			t.Fatalf("DecodePackedU32(%v): %v", enc, err)
		}
		if n != len(enc) {
			t.Fatalf("DecodePackedU32 consumed %d bytes, want %d", n, len(enc))
		}
		if got != v {
			t.Fatalf("round trip %d -> %v -> %d", v, enc, got)
		}
	}
}

func TestPackedU32Known(t *testing.T) {
	enc := EncodePackedU32(300)
	want := []byte{0x82, 0x2c}
	if diff := cmp.Diff(want, enc); diff != "" {
		t.Fatalf("EncodePackedU32(300) mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodePackedU32RejectsOverlong(t *testing.T) {
	overlong := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}
	if _, _, err := DecodePackedU32(overlong); err == nil {
		t.Fatal("expected an error decoding a 6-byte packed-u32")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		RequestID: 42,
		Opcode:    OpUTCommit,
		Params: []Param{
			ParamUint32(ParamTxnContext, 7),
			ParamFlag(ParamUTRBExc),
		},
	}
	b, err := EncodeBytes(msg)
	if err != nil {
		t.Fatalf("EncodeBytes: %v", err)
	}
	got, err := DecodeBytes(b)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if diff := cmp.Diff(msg, got); diff != "" {
		t.Fatalf("message round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFirstErrorPicksWireOrder(t *testing.T) {
	msg := Message{Params: []Param{
		ParamUint32(ParamTxnContext, 1),
		ParamFlag(ParamUTHMEExc),
		ParamFlag(ParamUTRBExc),
	}}
	p, ok := msg.FirstError()
	if !ok || p.ID != ParamUTHMEExc {
		t.Fatalf("FirstError = %v, %v; want ParamUTHMEExc, true", p.ID, ok)
	}
}

func TestParamUint32RejectsTrailingBytes(t *testing.T) {
	p := Param{ID: ParamTxnTimeout, Value: []byte{0x01, 0x00}}
	if _, err := p.Uint32(); err == nil {
		t.Fatal("expected an error for a packed-u32 with trailing bytes")
	}
}
