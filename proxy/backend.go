package proxy

import (
	"bytes"
	"time"

	"github.com/jpillora/backoff"

	"github.com/mevdschee/tqkvproxy/resp"
	"github.com/mevdschee/tqkvproxy/ring"
)

// Backend is one upstream server. It is permanent for the lifetime of
// the worker; its connections are opened lazily and re-opened after a
// disconnect, with exponential backoff between failed dials.
type Backend struct {
	index     int
	host      ring.Host
	debugName string

	conns         map[int64]*BackendConn
	nextConnIndex int64

	numCommandsSent      int64
	numResponsesReceived int64

	dialBackoff *backoff.Backoff
	redialDelay time.Duration
}

func newBackend(index int, host ring.Host) *Backend {
	return &Backend{
		index:     index,
		host:      host,
		debugName: host.DebugName(),
		conns:     make(map[int64]*BackendConn),
		dialBackoff: &backoff.Backoff{
			Min:    50 * time.Millisecond,
			Max:    5 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// BackendConn is one TCP connection to one backend. Its chain holds the
// response links awaiting replies on this connection, in the order the
// sub-commands were written; the wire protocol has no request IDs, so
// this order is the only pairing.
type BackendConn struct {
	backend *Backend
	index   int64

	out *outbuf

	parser resp.ResponseParser
	rbuf   bytes.Buffer

	headLink *ResponseLink
	tailLink *ResponseLink

	numCommandsSent      int64
	numResponsesReceived int64

	// streaming and streamDiscard latch the parse mode for the response
	// currently being consumed
	streaming     bool
	streamDiscard bool
	closed        bool
}

func newBackendConn(b *Backend) *BackendConn {
	bc := &BackendConn{
		backend: b,
		index:   b.nextConnIndex,
		out:     newOutbuf(),
	}
	b.nextConnIndex++
	b.conns[bc.index] = bc
	return bc
}

// unlinkHead advances the chain past l, which must be the head, and
// removes this connection from l's pending map.
func (bc *BackendConn) unlinkHead(l *ResponseLink) {
	bc.headLink = l.backendConnNext[bc]
	if bc.headLink == nil {
		bc.tailLink = nil
	}
	delete(l.backendConnNext, bc)
}

func (bc *BackendConn) chainLength() int {
	n := 0
	for l := bc.headLink; l != nil; l = l.backendConnNext[bc] {
		n++
	}
	return n
}
