// Package proxy implements the sharding engine: it parses client
// commands, routes them to backends over the consistent-hash ring, and
// links backend responses back to clients in command order.
//
// Each Proxy is one worker. A single goroutine runs the event loop and
// is the only one that touches Client, BackendConn or ResponseLink
// state, so none of it is locked. Reader goroutines post raw byte
// chunks into the event channel; writer goroutines drain the unbounded
// per-connection output queues.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/mevdschee/tqkvproxy/metrics"
	"github.com/mevdschee/tqkvproxy/ring"
)

// Stats holds the counters shared by all workers. The per-worker event
// loops update them through atomics; everything else in the engine is
// worker-local.
type Stats struct {
	CommandsReceived    atomic.Int64
	CommandsSent        atomic.Int64
	ResponsesReceived   atomic.Int64
	ResponsesSent       atomic.Int64
	ConnectionsReceived atomic.Int64
	Clients             atomic.Int64
	StartTime           time.Time
}

// NewStats returns a zeroed Stats with the start time set.
func NewStats() *Stats {
	return &Stats{StartTime: time.Now()}
}

// Options configures a worker.
type Options struct {
	Ring               *ring.Ring
	HashBeginDelimiter int // -1 when unset
	HashEndDelimiter   int // -1 when unset
	DisableCommands    []string
	Stats              *Stats
	Index              int // worker index, for logs and INFO
}

type event any

type evClientConn struct{ conn net.Conn }

type evClientData struct {
	c    *Client
	data []byte
}

type evClientClosed struct {
	c   *Client
	err error
}

type evBackendConnected struct{ bc *BackendConn }

type evBackendData struct {
	bc   *BackendConn
	data []byte
}

type evBackendClosed struct {
	bc  *BackendConn
	err error
}

// Proxy is one worker: an event loop plus its private clients, backend
// connections and dispatch table.
type Proxy struct {
	index int

	ring          *ring.Ring
	backends      []*Backend
	nameToBackend map[string]*Backend

	clients map[*Client]struct{}
	events  chan event

	handlers map[string]handlerFunc

	hashBeginDelimiter int
	hashEndDelimiter   int

	stats *Stats
}

// New creates a worker for the given ring. The ring and dispatch table
// are immutable once the worker starts.
func New(opts Options) *Proxy {
	p := &Proxy{
		index:              opts.Index,
		ring:               opts.Ring,
		nameToBackend:      make(map[string]*Backend),
		clients:            make(map[*Client]struct{}),
		events:             make(chan event, 1024),
		handlers:           make(map[string]handlerFunc, len(defaultHandlers)),
		hashBeginDelimiter: opts.HashBeginDelimiter,
		hashEndDelimiter:   opts.HashEndDelimiter,
		stats:              opts.Stats,
	}
	if p.stats == nil {
		p.stats = NewStats()
	}

	for i, host := range opts.Ring.Hosts() {
		b := newBackend(i, host)
		p.backends = append(p.backends, b)
		p.nameToBackend[host.Name] = b
	}

	for name, handler := range defaultHandlers {
		p.handlers[name] = handler
	}
	for _, name := range opts.DisableCommands {
		delete(p.handlers, name)
	}

	return p
}

// ServeConn hands an accepted client connection to the worker.
func (p *Proxy) ServeConn(conn net.Conn) {
	p.events <- evClientConn{conn: conn}
}

// Run drives the event loop until ctx is cancelled. The shutdown flag
// is observed on a one-second tick; in between the loop only wakes for
// socket readiness.
func (p *Proxy) Run(ctx context.Context) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case ev := <-p.events:
			p.handleEvent(ev)
		case <-tick.C:
			if ctx.Err() != nil {
				p.shutdown()
				return nil
			}
		}
	}
}

func (p *Proxy) handleEvent(ev event) {
	switch ev := ev.(type) {
	case evClientConn:
		p.acceptClient(ev.conn)

	case evClientData:
		p.onClientData(ev.c, ev.data)

	case evClientClosed:
		if _, ok := p.clients[ev.c]; ok {
			p.disconnectClient(ev.c)
		}

	case evBackendConnected:
		b := ev.bc.backend
		if b.conns[ev.bc.index] == ev.bc {
			b.dialBackoff.Reset()
			b.redialDelay = 0
		}

	case evBackendData:
		p.onBackendData(ev.bc, ev.data)

	case evBackendClosed:
		if !ev.bc.closed && ev.bc.backend.conns[ev.bc.index] == ev.bc {
			log.Printf("[Backend] %s disconnected: %v", ev.bc.backend.debugName, ev.err)
			p.disconnectBackend(ev.bc)
		}
	}
}

func (p *Proxy) shutdown() {
	for c := range p.clients {
		p.disconnectClient(c)
	}
	for _, b := range p.backends {
		for _, bc := range b.conns {
			p.disconnectBackend(bc)
		}
	}
}

func (p *Proxy) acceptClient(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetKeepAlive(true); err != nil {
			log.Printf("[Client] failed to enable tcp keepalive for %s: %v", conn.RemoteAddr(), err)
		}
	}

	c := newClient(conn)
	p.clients[c] = struct{}{}
	p.stats.ConnectionsReceived.Add(1)
	p.stats.Clients.Add(1)
	metrics.ConnectionsReceived.Inc()
	metrics.Clients.Inc()

	go p.readClient(c)
	go func() {
		c.out.flushTo(conn)
		conn.Close()
	}()
}

func (p *Proxy) readClient(c *Client) {
	buf := make([]byte, 16384)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.events <- evClientData{c: c, data: data}
		}
		if err != nil {
			p.events <- evClientClosed{c: c, err: err}
			return
		}
	}
}

func (p *Proxy) onClientData(c *Client, data []byte) {
	if c.closed {
		return
	}
	c.rbuf.Write(data)

	for !c.shouldDisconnect {
		cmd, err := c.parser.Resume(&c.rbuf)
		if err != nil {
			log.Printf("[Client] parse error in %s input stream: %v", c.debugName, err)
			metrics.ParseErrors.WithLabelValues("client").Inc()
			c.shouldDisconnect = true
			break
		}
		if cmd == nil {
			break
		}
		c.numCommandsReceived++
		p.stats.CommandsReceived.Add(1)
		metrics.CommandsReceived.Inc()
		p.handleClientCommand(c, cmd)
	}

	if c.shouldDisconnect {
		p.disconnectClient(c)
	}
}

// disconnectClient detaches the client from its pending links. Links
// that still await backend responses survive without a client so the
// responses are consumed and discarded in order.
func (p *Proxy) disconnectClient(c *Client) {
	delete(p.clients, c)
	c.closed = true
	p.stats.Clients.Add(-1)
	metrics.Clients.Dec()

	l := c.headLink
	for l != nil {
		next := l.nextClient
		l.client = nil
		l.nextClient = nil
		l = next
	}
	c.headLink = nil
	c.tailLink = nil

	c.out.Close()
}

func (p *Proxy) readBackend(bc *BackendConn, conn net.Conn) {
	buf := make([]byte, 16384)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.events <- evBackendData{bc: bc, data: data}
		}
		if err != nil {
			p.events <- evBackendClosed{bc: bc, err: err}
			return
		}
	}
}

// onBackendData drains complete responses from the connection. While
// the head link forwards verbatim and heads its client's chain too, the
// streaming path copies bytes straight into the client's output queue;
// responses nobody is waiting on are consumed and discarded the same
// way.
func (p *Proxy) onBackendData(bc *BackendConn, data []byte) {
	if bc.closed {
		return
	}
	bc.rbuf.Write(data)

	for !bc.closed {
		l := bc.headLink
		// the stream-or-materialize choice is latched per response: the
		// parser state machine cannot change entry points mid-response
		if bc.parser.Idle() {
			bc.streaming = l == nil || (l.policy == ForwardResponse && l.errorResponse == nil &&
				(l.client == nil || l.client.headLink == l))
			bc.streamDiscard = l == nil
		}
		if bc.streaming {
			var dst io.Writer
			if !bc.streamDiscard && l != nil && l.client != nil {
				dst = l.client.out
			}
			done, err := bc.parser.Forward(&bc.rbuf, dst)
			if err != nil {
				log.Printf("[Backend] parse error in %s stream: %v", bc.backend.debugName, err)
				metrics.ParseErrors.WithLabelValues("backend").Inc()
				p.disconnectBackend(bc)
				return
			}
			if !done {
				break
			}

			bc.numResponsesReceived++
			bc.backend.numResponsesReceived++
			p.stats.ResponsesReceived.Add(1)
			metrics.ResponsesReceived.WithLabelValues(bc.backend.host.Name).Inc()

			if bc.streamDiscard {
				log.Printf("[Backend] received response from %s with no response link", bc.backend.debugName)
				continue
			}

			bc.unlinkHead(l)
			if l.client != nil {
				l.client.headLink = l.nextClient
				if l.client.headLink == nil {
					l.client.tailLink = nil
				}
				l.client.numResponsesSent++
				p.stats.ResponsesSent.Add(1)
				metrics.ResponsesSent.Inc()

				// an earlier fan-out may have left ready links queued
				// behind this one
				client := l.client
				l.client = nil
				l.nextClient = nil
				p.sendAllReadyResponses(client)
			}

		} else {
			r, err := bc.parser.Resume(&bc.rbuf)
			if err != nil {
				log.Printf("[Backend] parse error in %s stream: %v", bc.backend.debugName, err)
				metrics.ParseErrors.WithLabelValues("backend").Inc()
				p.disconnectBackend(bc)
				return
			}
			if r == nil {
				break
			}

			bc.numResponsesReceived++
			bc.backend.numResponsesReceived++
			p.stats.ResponsesReceived.Add(1)
			metrics.ResponsesReceived.WithLabelValues(bc.backend.host.Name).Inc()
			p.handleBackendResponse(bc, r)
		}
	}
}

// disconnectBackend synthesizes an error response for every link still
// on this connection's chain, draining it, then drops the connection.
// The next command for this backend opens a fresh connection.
func (p *Proxy) disconnectBackend(bc *BackendConn) {
	bc.closed = true
	metrics.BackendDisconnects.WithLabelValues(bc.backend.host.Name).Inc()

	for bc.headLink != nil {
		p.handleBackendResponse(bc, backendDisconnectedResponse)
	}

	b := bc.backend
	if b.conns[bc.index] == bc {
		delete(b.conns, bc.index)
	}
	b.redialDelay = b.dialBackoff.Duration()
	bc.out.Close()
}

// backend lookups

func (p *Proxy) backendIndexForKey(key []byte) int {
	return p.ring.HostIndexForKey(ring.HashSlice(key, p.hashBeginDelimiter, p.hashEndDelimiter))
}

// backendIndexForArgument resolves a backend by name, or by decimal
// index, returning -1 when neither matches.
func (p *Proxy) backendIndexForArgument(arg []byte) int {
	if b, ok := p.nameToBackend[string(arg)]; ok {
		return b.index
	}
	i, err := parseIndex(arg)
	if err != nil || i < 0 || i >= len(p.backends) {
		return -1
	}
	return i
}

func (p *Proxy) backendConnForKey(key []byte) *BackendConn {
	return p.backendConnForIndex(p.backendIndexForKey(key))
}

// backendConnForIndex returns the open connection for a backend,
// dialing a new one lazily when none exists. The dial happens on the
// connection's writer goroutine; commands queue in the output buffer
// until it completes.
func (p *Proxy) backendConnForIndex(index int) *BackendConn {
	b := p.backends[index]
	for _, bc := range b.conns {
		return bc
	}

	bc := newBackendConn(b)
	delay := b.redialDelay
	go p.runBackendConn(bc, delay)
	return bc
}

func (p *Proxy) runBackendConn(bc *BackendConn, delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}
	conn, err := net.Dial("tcp", bc.backend.host.Addr())
	if err != nil {
		log.Printf("[Backend] can't connect to %s: %v", bc.backend.debugName, err)
		p.events <- evBackendClosed{bc: bc, err: err}
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
	}
	p.events <- evBackendConnected{bc: bc}
	go p.readBackend(bc, conn)
	bc.out.flushTo(conn)
	conn.Close()
}

// dumpState writes the worker's internal state, for PRINTSTATE.
func (p *Proxy) dumpState(w io.Writer) {
	fmt.Fprintf(w, "Proxy[index=%d, num_clients=%d, io_counts=[%d, %d, %d, %d], clients=[\n",
		p.index, len(p.clients),
		p.stats.CommandsReceived.Load(), p.stats.CommandsSent.Load(),
		p.stats.ResponsesReceived.Load(), p.stats.ResponsesSent.Load())
	for c := range p.clients {
		fmt.Fprintf(w, "  Client[name=%s, debug_name=%s, should_disconnect=%t, io_counts=[%d, %d], chain=[",
			c.name, c.debugName, c.shouldDisconnect,
			c.numCommandsReceived, c.numResponsesSent)
		for l := c.headLink; l != nil; l = l.nextClient {
			fmt.Fprintf(w, "\n    %s,", l.describe())
		}
		fmt.Fprintf(w, "]],\n")
	}
	fmt.Fprintf(w, "], backends=[\n")
	for _, b := range p.backends {
		fmt.Fprintf(w, "  Backend[index=%d, debug_name=%s, io_counts=[%d, %d], connections=[",
			b.index, b.debugName, b.numCommandsSent, b.numResponsesReceived)
		for _, bc := range b.conns {
			fmt.Fprintf(w, "\n    Connection[index=%d, io_counts=[%d, %d], chain_length=%d],",
				bc.index, bc.numCommandsSent, bc.numResponsesReceived, bc.chainLength())
		}
		fmt.Fprintf(w, "]],\n")
	}
	fmt.Fprintf(w, "]]\n")
}

func parseIndex(arg []byte) (int, error) {
	var n int
	if len(arg) == 0 {
		return 0, fmt.Errorf("empty index")
	}
	for _, ch := range arg {
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("not a number: %q", arg)
		}
		n = n*10 + int(ch-'0')
		if n > 1<<30 {
			return 0, fmt.Errorf("index out of range: %q", arg)
		}
	}
	return n, nil
}
