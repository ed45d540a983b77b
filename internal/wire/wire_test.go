package wire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{MsgType: Write, ReqID: 7, TxID: 3, BodyLen: 9}
	got := DecodeHeader(EncodeHeader(h))
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestDecodeBodyToleratesTrailingNUL(t *testing.T) {
	withNUL := []byte("a\x00b\x00")
	withoutNUL := []byte("a\x00b")

	got1 := DecodeBody(withNUL)
	got2 := DecodeBody(withoutNUL)

	want := []string{"a", "b"}
	if !equalStrs(got1, want) || !equalStrs(got2, want) {
		t.Fatalf("got %v / %v want %v", got1, got2, want)
	}
}

func equalStrs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEncodeBodyAlwaysEmitsTrailingNUL(t *testing.T) {
	body := EncodeBodyStrings("a", "b")
	if !bytes.HasSuffix(body, []byte{0}) {
		t.Fatalf("expected trailing NUL, got %q", body)
	}
	if got := DecodeBody(body); !equalStrs(got, []string{"a", "b"}) {
		t.Fatalf("got %v", got)
	}
}

func TestDecodeFrameNeedsMoreBytes(t *testing.T) {
	h := Header{MsgType: Read, ReqID: 1, TxID: 0}
	full := EncodeFrame(h, EncodeBodyStrings("/a"))

	for n := 0; n < len(full); n++ {
		_, _, _, ok, err := DecodeFrame(full[:n])
		if err != nil {
			t.Fatalf("unexpected error at %d bytes: %v", n, err)
		}
		if ok {
			t.Fatalf("unexpectedly complete at %d of %d bytes", n, len(full))
		}
	}

	gotHdr, gotBody, consumed, ok, err := DecodeFrame(full)
	if err != nil || !ok {
		t.Fatalf("expected complete decode, got ok=%v err=%v", ok, err)
	}
	if consumed != len(full) {
		t.Fatalf("consumed %d want %d", consumed, len(full))
	}
	if gotHdr.MsgType != Read || gotHdr.BodyLen != uint32(len(EncodeBodyStrings("/a"))) {
		t.Fatalf("unexpected header: %+v", gotHdr)
	}
	if got := DecodeBody(gotBody); !equalStrs(got, []string{"/a"}) {
		t.Fatalf("got %v", got)
	}
}

func TestDecodeFrameRejectsOversizedBody(t *testing.T) {
	buf := EncodeHeader(Header{BodyLen: BodyMax + 1})
	_, _, _, _, err := DecodeFrame(buf)
	if err == nil {
		t.Fatal("expected error for oversized body")
	}
}

func TestBoundaryBodyLength(t *testing.T) {
	h := Header{MsgType: Write}
	body := bytes.Repeat([]byte("x"), BodyMax)
	full := EncodeFrame(h, body)
	_, _, _, ok, err := DecodeFrame(full)
	if err != nil || !ok {
		t.Fatalf("expected exactly-4096 body to decode, ok=%v err=%v", ok, err)
	}

	overBody := bytes.Repeat([]byte("x"), BodyMax+1)
	overFull := EncodeFrame(h, overBody)
	_, _, _, _, err = DecodeFrame(overFull)
	if err == nil {
		t.Fatal("expected 4097-byte body to be rejected")
	}
}
