package ssm

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTrip(t *testing.T) {
	for _, c := range []struct {
		name string
		id   string
		args Args
	}{
		{"empty args", "HELLO", Args{}},
		{"nil args", "PING", nil},
		{"mixed types", "CHAT", Args{
			"text":    Str("hello world"),
			"count":   UintValue(42),
			"payload": Bytes([]byte{0x00, 0x01, 0xff}),
		}},
		{"max key length", "X", Args{
			string(bytes.Repeat([]byte{'k'}, 255)): Str("v"),
		}},
	} {
		t.Run(c.name, func(t *testing.T) {
			buf, err := Serialize(c.id, c.args)
			if err != nil {
				t.Fatalf("serialize: %v", err)
			}
			msg, err := Deserialize(buf)
			if err != nil {
				t.Fatalf("deserialize: %v", err)
			}
			if msg.ID != c.id {
				t.Errorf("id: expected %q, got %q", c.id, msg.ID)
			}
			want := c.args
			if want == nil {
				want = Args{}
			}
			if diff := cmp.Diff(want, msg.Args); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUintWrongLength(t *testing.T) {
	buf, err := Serialize("X", Args{"n": Str("abc")})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	// corrupt the value type byte from STRING to UINT without fixing length.
	// header (4+1+1), id "X", key length byte, key "n", then the type byte.
	typeOff := 4 + 1 + 1 + len("X") + 1 + len("n")
	if buf[typeOff] != byte(String) {
		t.Fatalf("expected STRING type byte at offset %d, got %d", typeOff, buf[typeOff])
	}
	buf[typeOff] = byte(Uint)
	if _, err := Deserialize(buf); err == nil {
		t.Error("expected parse error for UINT value with length != 4")
	}
}

func TestParserSplitAcrossReads(t *testing.T) {
	buf, err := Serialize("HELLO", Args{"userAgent": Str("botA")})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	var p Parser
	for i := 0; i < len(buf); i++ {
		p.Feed(buf[i : i+1])
		msg, ok, err := p.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if i < len(buf)-1 {
			if ok {
				t.Fatalf("got a complete message after only %d/%d bytes", i+1, len(buf))
			}
			continue
		}
		if !ok {
			t.Fatal("expected a complete message after feeding the full frame")
		}
		if msg.ID != "HELLO" {
			t.Errorf("expected id HELLO, got %q", msg.ID)
		}
	}
}

func TestParserTwoFramesOneRead(t *testing.T) {
	buf1, _ := Serialize("A", Args{"x": UintValue(1)})
	buf2, _ := Serialize("B", Args{"y": Str("2")})

	var p Parser
	p.Feed(append(append([]byte{}, buf1...), buf2...))

	msg1, ok, err := p.Next()
	if err != nil || !ok {
		t.Fatalf("first message: ok=%v err=%v", ok, err)
	}
	if msg1.ID != "A" {
		t.Errorf("expected first message id A, got %q", msg1.ID)
	}

	msg2, ok, err := p.Next()
	if err != nil || !ok {
		t.Fatalf("second message: ok=%v err=%v", ok, err)
	}
	if msg2.ID != "B" {
		t.Errorf("expected second message id B, got %q", msg2.ID)
	}

	if _, ok, err := p.Next(); ok || err != nil {
		t.Errorf("expected no more messages, got ok=%v err=%v", ok, err)
	}
}

func TestParserNeedMoreData(t *testing.T) {
	var p Parser
	p.Feed([]byte{0, 0})
	if _, ok, err := p.Next(); ok || err != nil {
		t.Errorf("expected need-more-data, got ok=%v err=%v", ok, err)
	}
}

func TestSerializeMessageIDTooLong(t *testing.T) {
	if _, err := Serialize(string(bytes.Repeat([]byte{'x'}, 256)), Args{}); err == nil {
		t.Error("expected error for message_id > 255 bytes")
	}
}

func TestArgsConvenienceAPI(t *testing.T) {
	a := NewArgs("name", "bob", "count", 3, "ok", true)
	if v, ok := a.GetString("name"); !ok || v != "bob" {
		t.Errorf("GetString(name) = %q, %v", v, ok)
	}
	if v, ok := a.GetUint("count"); !ok || v != 3 {
		t.Errorf("GetUint(count) = %d, %v", v, ok)
	}
	if v, ok := a.GetUint("ok"); !ok || v != 1 {
		t.Errorf("GetUint(ok) = %d, %v", v, ok)
	}
}
