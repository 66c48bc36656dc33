package resp

import (
	"bytes"
	"testing"
)

func TestCommand_RoundTrip(t *testing.T) {
	tests := [][][]byte{
		{[]byte("PING")},
		{[]byte("SET"), []byte("x"), []byte("23")},
		{[]byte("SET"), []byte("bin"), {0x00, 0xff, '\r', '\n'}},
		{[]byte("GET"), {}},
	}
	for _, args := range tests {
		cmd := &Command{Args: args}
		var buf bytes.Buffer
		if err := cmd.Write(&buf); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		encoded := buf.String()

		var p CommandParser
		parsed, err := p.Resume(&buf)
		if err != nil || parsed == nil {
			t.Fatalf("parse(%q): cmd=%v err=%v", encoded, parsed, err)
		}
		if len(parsed.Args) != len(args) {
			t.Fatalf("parse(emit(%s)): %d args, want %d", cmd.Format(), len(parsed.Args), len(args))
		}
		for i := range args {
			if !bytes.Equal(parsed.Args[i], args[i]) {
				t.Errorf("arg %d = %q, want %q", i, parsed.Args[i], args[i])
			}
		}

		// emit(parse(bytes)) == bytes for canonical input
		var buf2 bytes.Buffer
		parsed2 := &RefCommand{Args: parsed.Args}
		if err := parsed2.Write(&buf2); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		if buf2.String() != encoded {
			t.Errorf("emit(parse(%q)) = %q", encoded, buf2.String())
		}
	}
}

func TestResponse_RoundTrip(t *testing.T) {
	tests := []*Response{
		NewStatus("OK"),
		NewError("ERR something"),
		NewInt(0),
		NewInt(-9223372036854775808),
		NewBulk([]byte{}),
		NewBulkString("value"),
		NewBulk([]byte{0x00, '\r', '\n', 0xff}),
		NullBulk(),
		NullMulti(),
		NewMulti(),
		NewMulti(NewBulkString("a"), NullBulk(), NewInt(3)),
		NewMulti(NewMulti(NewStatus("OK")), NewMulti()),
	}
	for _, want := range tests {
		t.Run(want.Format(), func(t *testing.T) {
			var buf bytes.Buffer
			if err := want.Write(&buf); err != nil {
				t.Fatalf("Write error: %v", err)
			}
			encoded := buf.String()

			var p ResponseParser
			got, err := p.Resume(&buf)
			if err != nil || got == nil {
				t.Fatalf("parse(%q): rsp=%v err=%v", encoded, got, err)
			}
			if !got.Equal(want) {
				t.Fatalf("parse(emit(%s)) = %s", want.Format(), got.Format())
			}

			var buf2 bytes.Buffer
			if err := got.Write(&buf2); err != nil {
				t.Fatalf("Write error: %v", err)
			}
			if buf2.String() != encoded {
				t.Errorf("emit(parse(%q)) = %q", encoded, buf2.String())
			}
		})
	}
}

func TestResponse_Equal(t *testing.T) {
	tests := []struct {
		a, b *Response
		want bool
	}{
		{NewStatus("OK"), NewStatus("OK"), true},
		{NewStatus("OK"), NewError("OK"), false},
		{NewInt(1), NewInt(2), false},
		{NewBulkString("a"), NewBulkString("a"), true},
		{NullBulk(), NullBulk(), true},
		{NullBulk(), NewBulk([]byte{}), false},
		{NullMulti(), NewMulti(), false},
		{NewMulti(NewInt(1)), NewMulti(NewInt(1)), true},
		{NewMulti(NewInt(1)), NewMulti(NewInt(1), NewInt(2)), false},
	}
	for _, tt := range tests {
		if got := tt.a.Equal(tt.b); got != tt.want {
			t.Errorf("%s == %s: got %v, want %v", tt.a.Format(), tt.b.Format(), got, tt.want)
		}
	}
}

func TestResponse_NullEncodings(t *testing.T) {
	var buf bytes.Buffer
	NullBulk().Write(&buf)
	if buf.String() != "$-1\r\n" {
		t.Errorf("null bulk = %q", buf.String())
	}
	buf.Reset()
	NullMulti().Write(&buf)
	if buf.String() != "*-1\r\n" {
		t.Errorf("null multi = %q", buf.String())
	}
}
