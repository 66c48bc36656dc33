package proxy

import (
	"fmt"
	"io"
	"log"
	"math/bits"
	"strconv"

	"github.com/mevdschee/tqkvproxy/metrics"
	"github.com/mevdschee/tqkvproxy/resp"
)

// CollectionType selects how a link combines its backend responses into
// the single response its client receives.
type CollectionType int

const (
	ForwardResponse CollectionType = iota
	CollectStatusResponses
	SumIntegerResponses
	CombineMultiResponses
	CollectResponses
	CollectMultiResponsesByKey
	CollectIdenticalResponses
	ModifyScanResponse
	ModifyScriptExistsResponse
	ModifyMigrateResponse
)

func (t CollectionType) String() string {
	switch t {
	case ForwardResponse:
		return "ForwardResponse"
	case CollectStatusResponses:
		return "CollectStatusResponses"
	case SumIntegerResponses:
		return "SumIntegerResponses"
	case CombineMultiResponses:
		return "CombineMultiResponses"
	case CollectResponses:
		return "CollectResponses"
	case CollectMultiResponsesByKey:
		return "CollectMultiResponsesByKey"
	case CollectIdenticalResponses:
		return "CollectIdenticalResponses"
	case ModifyScanResponse:
		return "ModifyScanResponse"
	case ModifyScriptExistsResponse:
		return "ModifyScriptExistsResponse"
	case ModifyMigrateResponse:
		return "ModifyMigrateResponse"
	}
	return "UnknownCollectionType"
}

// A ResponseLink represents a response a client is expecting, and a
// promise that one or more backends will send the responses needed to
// build it.
//
// Each Client chains its links in the order it sent the commands; the
// head must be answered first. Each BackendConn chains the links
// awaiting a response on that connection, in sub-command write order. A
// link that fans out appears on several backend chains at once, so its
// position on each chain is kept in backendConnNext.
//
// A link is ready once backendConnNext is empty, but it can only be
// sent while it heads its client's chain: responses must be delivered
// in command order even when backends answer out of order. A link with
// no client and no pending backend entries is unreachable and collected.
type ResponseLink struct {
	policy CollectionType

	client          *Client
	nextClient      *ResponseLink
	backendConnNext map[*BackendConn]*ResponseLink

	errorResponse *resp.Response
	// errorAggregating marks errorResponse as this link's own
	// CollectStatusResponses aggregate, which keeps absorbing later
	// backend errors
	errorAggregating bool

	// policy-specific accumulators
	forwardResponse        *resp.Response
	integerSum             int64
	responses              []*resp.Response
	recombinationQueue     []int
	backendIndexToResponse map[int]*resp.Response
	scanBackendIndex       int
}

func (l *ResponseLink) ready() bool {
	return len(l.backendConnNext) == 0
}

func (l *ResponseLink) describe() string {
	clientStr := "(missing)"
	if l.client != nil {
		clientStr = l.client.debugName
	}
	errStr := ""
	if l.errorResponse != nil {
		errStr = ", error_response=" + l.errorResponse.Format()
	}
	return fmt.Sprintf("ResponseLink[type=%s, client=%s, awaiting=%d%s]",
		l.policy, clientStr, len(l.backendConnNext), errStr)
}

// createLink appends a new link to the client's chain.
func (p *Proxy) createLink(policy CollectionType, c *Client) *ResponseLink {
	l := &ResponseLink{
		policy:          policy,
		client:          c,
		backendConnNext: make(map[*BackendConn]*ResponseLink),
	}
	if c.tailLink != nil {
		c.tailLink.nextClient = l
	} else {
		c.headLink = l
	}
	c.tailLink = l
	return l
}

// createErrorLink queues a pre-formed error behind the client's pending
// responses, preserving delivery order.
func (p *Proxy) createErrorLink(c *Client, r *resp.Response) *ResponseLink {
	l := p.createLink(ForwardResponse, c)
	l.errorResponse = r
	return l
}

// canSendCommand reports whether a sub-command for l can be written to
// conn, attaching a sticky error to the link when it cannot.
func (p *Proxy) canSendCommand(bc *BackendConn, l *ResponseLink) *outbuf {
	if l.errorResponse != nil {
		return nil
	}
	if bc == nil {
		l.errorResponse = backendMissingResponse
		return nil
	}
	return bc.out
}

// linkConnection records that l awaits one more response on bc, at the
// tail of bc's chain.
func (p *Proxy) linkConnection(bc *BackendConn, l *ResponseLink) {
	l.backendConnNext[bc] = nil

	if bc.tailLink == nil {
		bc.headLink = l
	} else {
		bc.tailLink.backendConnNext[bc] = l
	}
	bc.tailLink = l

	bc.numCommandsSent++
	bc.backend.numCommandsSent++
	p.stats.CommandsSent.Add(1)
	metrics.CommandsSent.WithLabelValues(bc.backend.host.Name).Inc()
}

type commandWriter interface {
	Write(w io.Writer) error
}

// sendCommandAndLink writes the sub-command onto the connection's
// output buffer and links l to the connection.
func (p *Proxy) sendCommandAndLink(bc *BackendConn, l *ResponseLink, cmd commandWriter) {
	out := p.canSendCommand(bc, l)
	if out != nil {
		cmd.Write(out)
		p.linkConnection(bc, l)
	}
}

var (
	backendDisconnectedResponse = resp.NewError("CHANNELERROR backend disconnected before sending the response")
	backendMissingResponse      = resp.NewError("CHANNELERROR backend is missing")
	badUpstreamResponse         = resp.NewError("CHANNELERROR an upstream server returned a bad response")
	wrongTypeResponse           = resp.NewError("CHANNELERROR an upstream server returned a result of the wrong type")
	incorrectCountResponse      = resp.NewError("CHANNELERROR a backend returned an incorrect result count")
	nonIdenticalResponse        = resp.NewError("CHANNELERROR backends did not return identical results")
	unknownCollectionResponse   = resp.NewError("PROXYERROR unknown response wait type")
	noDataResponse              = resp.NewError("PROXYERROR no data was returned")
	invalidCommandResponse      = resp.NewError("ERR invalid command")
)

// handleBackendResponse unlinks the head of the connection's chain,
// feeds the response into that link's accumulator, and flushes the
// owning client's chain if anything became ready.
func (p *Proxy) handleBackendResponse(bc *BackendConn, r *resp.Response) {
	l := bc.headLink
	if l == nil {
		log.Printf("[Backend] received response from %s with no response link", bc.backend.debugName)
		return
	}
	next, ok := l.backendConnNext[bc]
	if !ok {
		log.Printf("[Backend] inconsistent chain on %s", bc.backend.debugName)
		return
	}
	bc.headLink = next
	if bc.headLink == nil {
		bc.tailLink = nil
	}
	delete(l.backendConnNext, bc)

	// a sticky error wins over normal accumulation, except that the
	// status aggregate keeps absorbing further backend errors
	if l.errorResponse == nil || (l.policy == CollectStatusResponses && l.errorAggregating) {
		p.accumulate(bc, l, r)
	}

	if l.client != nil {
		p.sendAllReadyResponses(l.client)
	}
}

func (p *Proxy) accumulate(bc *BackendConn, l *ResponseLink, r *resp.Response) {
	switch l.policy {
	case ForwardResponse, ModifyScanResponse:
		l.forwardResponse = r

	case CollectStatusResponses:
		switch r.Type {
		case resp.TypeError:
			if !l.errorAggregating {
				l.errorResponse = resp.NewError("CHANNELERROR one of more backends returned error responses:")
				l.errorAggregating = true
			}
			l.errorResponse.Data = append(l.errorResponse.Data,
				fmt.Sprintf(" (%s) %s", bc.backend.host.Name, r.Data)...)
		case resp.TypeStatus:
		default:
			if !l.errorAggregating {
				l.errorResponse = wrongTypeResponse
			}
		}

	case SumIntegerResponses:
		if r.Type != resp.TypeInteger {
			l.errorResponse = wrongTypeResponse
		} else {
			l.integerSum += r.Int
		}

	case CollectIdenticalResponses, ModifyScriptExistsResponse, ModifyMigrateResponse:
		l.responses = append(l.responses, r)

	case CombineMultiResponses, CollectResponses:
		// keyed by backend so the combined reply follows sub-command
		// issue order, not backend arrival order
		if l.backendIndexToResponse == nil {
			l.backendIndexToResponse = make(map[int]*resp.Response)
		}
		l.backendIndexToResponse[bc.backend.index] = r

	case CollectMultiResponsesByKey:
		if r.Type != resp.TypeMulti {
			l.errorResponse = wrongTypeResponse
			return
		}
		if l.backendIndexToResponse == nil {
			l.backendIndexToResponse = make(map[int]*resp.Response)
		}
		l.backendIndexToResponse[bc.backend.index] = r

	default:
		l.errorResponse = unknownCollectionResponse
	}
}

// sendAllReadyResponses flushes the client's chain from the head: each
// ready link's combined response is emitted and the link dropped,
// stopping at the first link still awaiting a backend.
func (p *Proxy) sendAllReadyResponses(c *Client) {
	for c.headLink != nil && c.headLink.ready() {
		l := c.headLink
		p.sendReadyResponse(l)

		c.headLink = l.nextClient
		if c.headLink == nil {
			c.tailLink = nil
		}
		l.client = nil
		l.nextClient = nil
	}
}

// sendReadyResponse combines a ready link's accumulated responses per
// its policy and writes the result to the client.
func (p *Proxy) sendReadyResponse(l *ResponseLink) {
	c := l.client

	if l.errorResponse != nil {
		p.sendClientResponse(c, l.errorResponse)
		return
	}

	switch l.policy {
	case ForwardResponse:
		if l.forwardResponse == nil {
			p.sendClientResponse(c, badUpstreamResponse)
		} else {
			p.sendClientResponse(c, l.forwardResponse)
		}

	case CollectStatusResponses:
		p.sendClientResponse(c, okResponse)

	case SumIntegerResponses:
		p.sendClientResponse(c, resp.NewInt(l.integerSum))

	case CombineMultiResponses:
		for _, br := range l.backendIndexToResponse {
			if br.Type != resp.TypeMulti {
				p.sendClientResponse(c, wrongTypeResponse)
				return
			}
		}
		r := &resp.Response{Type: resp.TypeMulti}
		for i := range p.backends {
			// null multis carry no fields and contribute nothing
			if br, ok := l.backendIndexToResponse[i]; ok {
				r.Fields = append(r.Fields, br.Fields...)
			}
		}
		p.sendClientResponse(c, r)

	case CollectResponses:
		r := &resp.Response{Type: resp.TypeMulti, Fields: make([]*resp.Response, 0, len(p.backends))}
		for i := range p.backends {
			br, ok := l.backendIndexToResponse[i]
			if !ok {
				br = badUpstreamResponse
			}
			r.Fields = append(r.Fields, br)
		}
		p.sendClientResponse(c, r)

	case CollectMultiResponsesByKey:
		p.sendRecombinedResponse(l)

	case CollectIdenticalResponses:
		if len(l.responses) == 0 {
			p.sendClientResponse(c, noDataResponse)
			return
		}
		for _, br := range l.responses[1:] {
			if !br.Equal(l.responses[0]) {
				p.sendClientResponse(c, nonIdenticalResponse)
				return
			}
		}
		p.sendClientResponse(c, l.responses[0])

	case ModifyScanResponse:
		p.sendScanResponse(l)

	case ModifyScriptExistsResponse:
		p.sendScriptExistsResponse(l)

	case ModifyMigrateResponse:
		p.sendMigrateResponse(l)

	default:
		p.sendClientResponse(c, unknownCollectionResponse)
	}
}

// sendRecombinedResponse rebuilds the original key order: it walks the
// recombination queue pulling the next unused field from that backend's
// reply, then checks every reply was fully consumed.
func (p *Proxy) sendRecombinedResponse(l *ResponseLink) {
	c := l.client

	fields := make([]*resp.Response, 0, len(l.recombinationQueue))
	offsets := make(map[int]int, len(l.backendIndexToResponse))
	for _, backendIndex := range l.recombinationQueue {
		br, ok := l.backendIndexToResponse[backendIndex]
		offset := offsets[backendIndex]
		if !ok || offset >= len(br.Fields) {
			p.sendClientResponse(c, resp.NewError(
				"PROXYERROR a backend sent an incorrect key count or did not reply"))
			return
		}
		fields = append(fields, br.Fields[offset])
		offsets[backendIndex] = offset + 1
	}

	if len(offsets) == len(l.backendIndexToResponse) {
		for backendIndex, br := range l.backendIndexToResponse {
			if br.Type != resp.TypeMulti {
				p.sendClientResponse(c, resp.NewError(
					"PROXYERROR a backend returned a non-multi response"))
				return
			}
			offset, ok := offsets[backendIndex]
			if !ok {
				p.sendClientResponse(c, resp.NewError(
					"PROXYERROR at least one backend response was not handled"))
				return
			}
			if offset != len(br.Fields) {
				p.sendClientResponse(c, resp.NewError(
					"PROXYERROR did not use all of at least one backend response"))
				return
			}
		}
	}

	p.sendClientResponse(c, &resp.Response{Type: resp.TypeMulti, Fields: fields})
}

// sendScanResponse rewrites the backend's cursor so its high-order bits
// carry the backend index; a "0" cursor advances the scan to the next
// backend, or completes it on the last one.
func (p *Proxy) sendScanResponse(l *ResponseLink) {
	c := l.client
	r := l.forwardResponse

	if r == nil || r.Type != resp.TypeMulti || r.Null || len(r.Fields) != 2 ||
		r.Fields[0].Type != resp.TypeBulk || r.Fields[0].Null {
		p.sendClientResponse(c, wrongTypeResponse)
		return
	}

	cursor := r.Fields[0]
	indexBits := p.scanCursorBackendIndexBits()

	if string(cursor.Data) == "0" {
		nextBackend := l.scanBackendIndex + 1
		if nextBackend < len(p.backends) {
			cursor.Data = strconv.AppendUint(nil, uint64(nextBackend)<<(64-indexBits), 10)
		}
	} else {
		value, err := strconv.ParseUint(string(cursor.Data), 10, 64)
		if err != nil {
			p.sendClientResponse(c, resp.NewError(
				"PROXYERROR the backend returned a non-integer cursor"))
			return
		}
		mask := uint64(1)<<(64-indexBits) - 1
		if value&^mask != 0 {
			p.sendClientResponse(c, resp.NewError(
				"PROXYERROR the backend's keyspace is too large"))
			return
		}
		value |= uint64(l.scanBackendIndex) << (64 - indexBits)
		cursor.Data = strconv.AppendUint(nil, value, 10)
	}

	p.sendClientResponse(c, r)
}

// sendScriptExistsResponse reduces equal-length multis of integer flags
// by bitwise AND across backends.
func (p *Proxy) sendScriptExistsResponse(l *ResponseLink) {
	c := l.client

	var r *resp.Response
	for _, br := range l.responses {
		if br.Type != resp.TypeMulti {
			p.sendClientResponse(c, wrongTypeResponse)
			return
		}
		if r == nil {
			r = &resp.Response{Type: resp.TypeMulti, Fields: make([]*resp.Response, len(br.Fields))}
		} else if len(r.Fields) != len(br.Fields) {
			p.sendClientResponse(c, incorrectCountResponse)
			return
		}
		for i, field := range br.Fields {
			if field.Type != resp.TypeInteger {
				p.sendClientResponse(c, wrongTypeResponse)
				return
			}
			if r.Fields[i] == nil {
				r.Fields[i] = resp.NewInt(field.Int)
			} else {
				r.Fields[i].Int &= field.Int
			}
		}
	}

	if r == nil {
		p.sendClientResponse(c, noDataResponse)
		return
	}
	p.sendClientResponse(c, r)
}

// sendMigrateResponse maps per-backend MIGRATE statuses to one reply:
// all OK/NOKEY collapses to +OK (or +NOKEY when no key moved); any
// error returns the full response set instead.
func (p *Proxy) sendMigrateResponse(l *ResponseLink) {
	c := l.client

	numOK := 0
	sawError := false
	for _, br := range l.responses {
		switch br.Type {
		case resp.TypeStatus:
			if string(br.Data) != "NOKEY" {
				numOK++
			}
		case resp.TypeError:
			sawError = true
		}
	}

	if sawError {
		p.sendClientResponse(c, &resp.Response{Type: resp.TypeMulti, Fields: l.responses})
		return
	}
	if numOK > 0 {
		p.sendClientResponse(c, okResponse)
	} else {
		p.sendClientResponse(c, resp.NewStatus("NOKEY"))
	}
}

var okResponse = resp.NewStatus("OK")

func (p *Proxy) sendClientResponse(c *Client, r *resp.Response) {
	if c == nil || c.closed {
		return
	}
	r.Write(c.out)
	c.numResponsesSent++
	p.stats.ResponsesSent.Add(1)
	metrics.ResponsesSent.Inc()
}

// scanCursorBackendIndexBits is the number of high-order cursor bits
// needed to address any backend index.
func (p *Proxy) scanCursorBackendIndexBits() int {
	return bits.Len64(uint64(len(p.backends) - 1))
}
