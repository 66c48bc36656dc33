package resp

import (
	"bytes"
	"testing"
)

func parseOneCommand(t *testing.T, data []byte) *Command {
	t.Helper()
	var p CommandParser
	buf := bytes.NewBuffer(data)
	cmd, err := p.Resume(buf)
	if err != nil {
		t.Fatalf("Resume(%q) error: %v", data, err)
	}
	if cmd == nil {
		t.Fatalf("Resume(%q) = nil, want command", data)
	}
	return cmd
}

func parseOneResponse(t *testing.T, data []byte) *Response {
	t.Helper()
	var p ResponseParser
	buf := bytes.NewBuffer(data)
	rsp, err := p.Resume(buf)
	if err != nil {
		t.Fatalf("Resume(%q) error: %v", data, err)
	}
	if rsp == nil {
		t.Fatalf("Resume(%q) = nil, want response", data)
	}
	return rsp
}

func TestCommandParser_ArrayForm(t *testing.T) {
	cmd := parseOneCommand(t, []byte("*3\r\n$3\r\nSET\r\n$1\r\nx\r\n$2\r\n23\r\n"))
	want := [][]byte{[]byte("SET"), []byte("x"), []byte("23")}
	if len(cmd.Args) != len(want) {
		t.Fatalf("got %d args, want %d", len(cmd.Args), len(want))
	}
	for i := range want {
		if !bytes.Equal(cmd.Args[i], want[i]) {
			t.Errorf("arg %d = %q, want %q", i, cmd.Args[i], want[i])
		}
	}
}

func TestCommandParser_InlineForm(t *testing.T) {
	inline := parseOneCommand(t, []byte("MSET x 1 y 2 z lol\r\n"))
	array := parseOneCommand(t,
		[]byte("*7\r\n$4\r\nMSET\r\n$1\r\nx\r\n$1\r\n1\r\n$1\r\ny\r\n$1\r\n2\r\n$1\r\nz\r\n$3\r\nlol\r\n"))

	if len(inline.Args) != len(array.Args) {
		t.Fatalf("inline has %d args, array has %d", len(inline.Args), len(array.Args))
	}
	for i := range array.Args {
		if !bytes.Equal(inline.Args[i], array.Args[i]) {
			t.Errorf("arg %d: inline %q != array %q", i, inline.Args[i], array.Args[i])
		}
	}
}

func TestCommandParser_EmptyInlineLine(t *testing.T) {
	var p CommandParser
	buf := bytes.NewBufferString("\r\n")
	cmd, err := p.Resume(buf)
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	if cmd == nil || len(cmd.Args) != 0 {
		t.Fatalf("got %v, want empty command", cmd)
	}
}

func TestCommandParser_ArgumentWithNUL(t *testing.T) {
	data := []byte("*2\r\n$3\r\nSET\r\n$3\r\n\x00\r\n\r\n")
	cmd := parseOneCommand(t, data)
	if !bytes.Equal(cmd.Args[1], []byte{0, '\r', '\n'}) {
		t.Errorf("arg 1 = %q, want %q", cmd.Args[1], []byte{0, '\r', '\n'})
	}
}

func TestCommandParser_Pipelined(t *testing.T) {
	var p CommandParser
	buf := bytes.NewBufferString("*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n")
	for i := 0; i < 2; i++ {
		cmd, err := p.Resume(buf)
		if err != nil || cmd == nil {
			t.Fatalf("command %d: cmd=%v err=%v", i, cmd, err)
		}
		if string(cmd.Args[0]) != "PING" {
			t.Errorf("command %d = %q", i, cmd.Args[0])
		}
	}
}

func TestCommandParser_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"zero args", "*0\r\n"},
		{"negative args", "*-1\r\n"},
		{"non-decimal count", "*x\r\n"},
		{"missing size sentinel", "*1\r\nPING\r\n"},
		{"non-decimal size", "*1\r\n$x\r\n"},
		{"missing crlf", "*1\r\n$4\r\nPINGxx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p CommandParser
			buf := bytes.NewBufferString(tt.data)
			cmd, err := p.Resume(buf)
			if err == nil {
				t.Fatalf("Resume(%q) = %v, want error", tt.data, cmd)
			}
			// parse errors are sticky
			if _, err := p.Resume(buf); err == nil {
				t.Error("second Resume after error succeeded")
			}
		})
	}
}

func TestCommandParser_IncrementalSplits(t *testing.T) {
	data := []byte("*3\r\n$4\r\nMSET\r\n$5\r\nkey{1\r\n$12\r\nhello\r\nworld\r\n")
	want := parseOneCommand(t, data)

	// every split point, including splits inside length prefixes,
	// bodies and trailing CRLFs
	for split := 0; split <= len(data); split++ {
		var p CommandParser
		var buf bytes.Buffer

		buf.Write(data[:split])
		cmd, err := p.Resume(&buf)
		if err != nil {
			t.Fatalf("split %d: unexpected error: %v", split, err)
		}
		if cmd == nil {
			buf.Write(data[split:])
			cmd, err = p.Resume(&buf)
			if err != nil || cmd == nil {
				t.Fatalf("split %d: cmd=%v err=%v", split, cmd, err)
			}
		}
		if len(cmd.Args) != len(want.Args) {
			t.Fatalf("split %d: %d args, want %d", split, len(cmd.Args), len(want.Args))
		}
		for i := range want.Args {
			if !bytes.Equal(cmd.Args[i], want.Args[i]) {
				t.Errorf("split %d: arg %d = %q, want %q", split, i, cmd.Args[i], want.Args[i])
			}
		}
	}
}

func TestCommandParser_ByteAtATime(t *testing.T) {
	data := []byte("*2\r\n$3\r\nGET\r\n$1\r\nx\r\n")
	var p CommandParser
	var buf bytes.Buffer
	var got *Command
	for i, b := range data {
		buf.WriteByte(b)
		cmd, err := p.Resume(&buf)
		if err != nil {
			t.Fatalf("byte %d: error: %v", i, err)
		}
		if cmd != nil {
			if i != len(data)-1 {
				t.Fatalf("completed early at byte %d", i)
			}
			got = cmd
		}
	}
	if got == nil || string(got.Args[0]) != "GET" || string(got.Args[1]) != "x" {
		t.Fatalf("got %v", got)
	}
}

func TestResponseParser_Scalars(t *testing.T) {
	tests := []struct {
		data string
		want *Response
	}{
		{"+OK\r\n", NewStatus("OK")},
		{"-ERR oops\r\n", NewError("ERR oops")},
		{":-42\r\n", NewInt(-42)},
		{"$0\r\n\r\n", NewBulk([]byte{})},
		{"$5\r\nhello\r\n", NewBulkString("hello")},
		{"$-1\r\n", NullBulk()},
		{"*0\r\n", NewMulti()},
		{"*-1\r\n", NullMulti()},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			got := parseOneResponse(t, []byte(tt.data))
			if !got.Equal(tt.want) {
				t.Errorf("parse(%q) = %s, want %s", tt.data, got.Format(), tt.want.Format())
			}
		})
	}
}

func TestResponseParser_NullIsNotEmpty(t *testing.T) {
	if parseOneResponse(t, []byte("$-1\r\n")).Equal(parseOneResponse(t, []byte("$0\r\n\r\n"))) {
		t.Error("null bulk compares equal to empty bulk")
	}
	if parseOneResponse(t, []byte("*-1\r\n")).Equal(parseOneResponse(t, []byte("*0\r\n"))) {
		t.Error("null multi compares equal to empty multi")
	}
}

func TestResponseParser_NestedMulti(t *testing.T) {
	data := []byte("*3\r\n$1\r\na\r\n*2\r\n:1\r\n$-1\r\n+OK\r\n")
	want := NewMulti(
		NewBulkString("a"),
		NewMulti(NewInt(1), NullBulk()),
		NewStatus("OK"))
	got := parseOneResponse(t, data)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got.Format(), want.Format())
	}
}

func TestResponseParser_IncrementalSplits(t *testing.T) {
	data := []byte("*2\r\n$6\r\ncursor\r\n*3\r\n:10\r\n$-1\r\n+X\r\n")
	want := parseOneResponse(t, data)

	for split := 0; split <= len(data); split++ {
		var p ResponseParser
		var buf bytes.Buffer
		buf.Write(data[:split])
		rsp, err := p.Resume(&buf)
		if err != nil {
			t.Fatalf("split %d: unexpected error: %v", split, err)
		}
		if rsp == nil {
			buf.Write(data[split:])
			rsp, err = p.Resume(&buf)
			if err != nil || rsp == nil {
				t.Fatalf("split %d: rsp=%v err=%v", split, rsp, err)
			}
		}
		if !rsp.Equal(want) {
			t.Errorf("split %d: got %s, want %s", split, rsp.Format(), want.Format())
		}
	}
}

func TestResponseParser_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad sentinel", "!what\r\n"},
		{"empty line", "\r\n"},
		{"non-decimal bulk length", "$abc\r\n"},
		{"non-decimal multi count", "*abc\r\n"},
		{"non-decimal integer", ":abc\r\n"},
		{"missing crlf after bulk", "$2\r\nabXX"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p ResponseParser
			buf := bytes.NewBufferString(tt.data)
			if rsp, err := p.Resume(buf); err == nil {
				t.Fatalf("Resume(%q) = %v, want error", tt.data, rsp)
			}
		})
	}
}

func TestResponseParser_Forward(t *testing.T) {
	tests := []string{
		"+OK\r\n",
		"-ERR broken\r\n",
		":123\r\n",
		"$5\r\nhello\r\n",
		"$-1\r\n",
		"*-1\r\n",
		"*0\r\n",
		"*3\r\n$1\r\na\r\n*2\r\n:1\r\n$-1\r\n+OK\r\n",
	}
	for _, data := range tests {
		t.Run(data, func(t *testing.T) {
			var p ResponseParser
			buf := bytes.NewBufferString(data)
			var out bytes.Buffer
			done, err := p.Forward(buf, &out)
			if err != nil {
				t.Fatalf("Forward error: %v", err)
			}
			if !done {
				t.Fatal("Forward not done on complete input")
			}
			if out.String() != data {
				t.Errorf("forwarded %q, want %q", out.String(), data)
			}
			if buf.Len() != 0 {
				t.Errorf("%d bytes left unconsumed", buf.Len())
			}
		})
	}
}

func TestResponseParser_ForwardSplits(t *testing.T) {
	data := "*1\r\n$9\r\nsplit\r\nme\r\n:42\r\n"
	for split := 0; split <= len(data); split++ {
		var p ResponseParser
		var buf bytes.Buffer
		var out bytes.Buffer

		buf.WriteString(data[:split])
		done, err := p.Forward(&buf, &out)
		if err != nil {
			t.Fatalf("split %d: error: %v", split, err)
		}
		buf.WriteString(data[split:])
		if !done {
			done, err = p.Forward(&buf, &out)
			if err != nil || !done {
				t.Fatalf("split %d: done=%v err=%v", split, done, err)
			}
		}
		// the second value is still in the buffer
		done, err = p.Forward(&buf, &out)
		if err != nil || !done {
			t.Fatalf("split %d: second response done=%v err=%v", split, done, err)
		}
		if out.String() != data {
			t.Errorf("split %d: forwarded %q, want %q", split, out.String(), data)
		}
	}
}

func TestResponseParser_ForwardDiscards(t *testing.T) {
	data := "*2\r\n$1\r\na\r\n$1\r\nb\r\n"
	var p ResponseParser
	buf := bytes.NewBufferString(data)
	done, err := p.Forward(buf, nil)
	if err != nil || !done {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if buf.Len() != 0 {
		t.Errorf("%d bytes left unconsumed", buf.Len())
	}
}
