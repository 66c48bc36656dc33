package proxy

import (
	"bytes"
	"net"

	"github.com/mevdschee/tqkvproxy/resp"
)

// Client is one connected client: its read buffer and parser state, its
// output queue, and the FIFO chain of response links in the order it
// sent the corresponding commands.
type Client struct {
	conn net.Conn
	out  *outbuf

	parser resp.CommandParser
	rbuf   bytes.Buffer

	name      string // set via CLIENT SETNAME
	debugName string

	shouldDisconnect bool
	closed           bool

	headLink *ResponseLink
	tailLink *ResponseLink

	numCommandsReceived int64
	numResponsesSent    int64
}

func newClient(conn net.Conn) *Client {
	return &Client{
		conn:      conn,
		out:       newOutbuf(),
		debugName: conn.RemoteAddr().String(),
	}
}

// chainLength returns the number of pending response links.
func (c *Client) chainLength() int {
	n := 0
	for l := c.headLink; l != nil; l = l.nextClient {
		n++
	}
	return n
}
