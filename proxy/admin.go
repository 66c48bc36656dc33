package proxy

import (
	"bytes"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/mevdschee/tqkvproxy/resp"
)

// Specific command implementations: proxy-synthesized commands plus the
// commands whose key extraction needs more than a fixed argv index.

func commandACL(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 2 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	switch {
	case arg(cmd, 1, "LOAD") || arg(cmd, 1, "SAVE") || arg(cmd, 1, "SETUSER"):
		allCollectStatusResponses(p, c, cmd)
	case arg(cmd, 1, "GETUSER") || arg(cmd, 1, "LIST") || arg(cmd, 1, "LOG") || arg(cmd, 1, "USERS"):
		allCollectResponses(p, c, cmd)
	case arg(cmd, 1, "DELUSER"):
		allSumIntResponses(p, c, cmd)
	case arg(cmd, 1, "CAT") || arg(cmd, 1, "GENPASS") || arg(cmd, 1, "HELP"):
		forwardRandom(p, c, cmd)
	default:
		p.sendClientError(c, "ERR unrecognized subcommand")
	}
}

func commandBACKEND(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 2 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	if len(cmd.Args) == 2 {
		b := p.backends[p.backendIndexForKey(cmd.Args[1])]
		p.sendClientResponse(c, resp.NewBulkString(b.host.Name))
		return
	}

	fields := make([]*resp.Response, 0, len(cmd.Args)-1)
	for _, key := range cmd.Args[1:] {
		b := p.backends[p.backendIndexForKey(key)]
		fields = append(fields, resp.NewBulkString(b.host.Name))
	}
	p.sendClientResponse(c, resp.NewMulti(fields...))
}

func commandBACKENDNUM(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 2 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	if len(cmd.Args) == 2 {
		p.sendClientResponse(c, resp.NewInt(int64(p.backendIndexForKey(cmd.Args[1]))))
		return
	}

	fields := make([]*resp.Response, 0, len(cmd.Args)-1)
	for _, key := range cmd.Args[1:] {
		fields = append(fields, resp.NewInt(int64(p.backendIndexForKey(key))))
	}
	p.sendClientResponse(c, resp.NewMulti(fields...))
}

func commandBACKENDS(p *Proxy, c *Client, cmd *resp.Command) {
	fields := make([]*resp.Response, 0, len(p.backends))
	for _, b := range p.backends {
		fields = append(fields, resp.NewBulkString(b.debugName))
	}
	p.sendClientResponse(c, resp.NewMulti(fields...))
}

func commandCLIENT(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 2 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	switch {
	case arg(cmd, 1, "LIST"):
		var out bytes.Buffer
		for other := range p.clients {
			fmt.Fprintf(&out, "addr=%s name=%s cmdrecv=%d rspsent=%d rspchain=%d\n",
				other.debugName, other.name, other.numCommandsReceived,
				other.numResponsesSent, other.chainLength())
		}
		p.sendClientResponse(c, resp.NewBulk(out.Bytes()))

	case arg(cmd, 1, "GETNAME"):
		if c.name == "" {
			p.sendClientResponse(c, resp.NullBulk())
		} else {
			p.sendClientResponse(c, resp.NewBulkString(c.name))
		}

	case arg(cmd, 1, "SETNAME"):
		if len(cmd.Args) != 3 {
			p.sendClientError(c, "ERR incorrect argument count")
			return
		}
		if len(cmd.Args[2]) > 0x100 {
			p.sendClientError(c, "ERR client names can be at most 256 bytes")
			return
		}
		if bytes.IndexByte(cmd.Args[2], ' ') >= 0 {
			p.sendClientError(c, "ERR client names can't contain spaces")
			return
		}
		c.name = string(cmd.Args[2])
		p.sendClientResponse(c, okResponse)

	default:
		p.sendClientError(c, "ERR unsupported subcommand")
	}
}

func commandDEBUG(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 2 {
		p.sendClientError(c, "ERR not enough arguments")
	} else if arg(cmd, 1, "OBJECT") {
		p.forwardByKeyIndex(c, cmd, 2)
	} else {
		p.sendClientError(c, "PROXYERROR unsupported subcommand")
	}
}

func commandECHO(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) != 2 {
		p.sendClientError(c, "ERR wrong number of arguments")
		return
	}
	p.sendClientResponse(c, resp.NewBulk(cmd.Args[1]))
}

func commandEVAL(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 3 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	numKeys, err := strconv.ParseInt(string(cmd.Args[2]), 10, 64)
	if err != nil || numKeys < 0 || numKeys > int64(len(cmd.Args)-3) {
		p.sendClientError(c, "ERR key count is invalid")
		return
	}

	// the keys must all hash to the same backend; a keyless script can
	// run anywhere
	backendIndex := -1
	for x := 3; x < int(numKeys)+3; x++ {
		keyBackendIndex := p.backendIndexForKey(cmd.Args[x])
		if backendIndex == -1 {
			backendIndex = keyBackendIndex
		} else if backendIndex != keyBackendIndex {
			p.sendClientError(c, "PROXYERROR keys are on different backends")
			return
		}
	}
	if backendIndex == -1 {
		backendIndex = rand.IntN(len(p.backends))
	}

	bc := p.backendConnForIndex(backendIndex)
	l := p.createLink(ForwardResponse, c)
	p.sendCommandAndLink(bc, l, cmd)
}

func commandFORWARD(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 3 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	// everything after the backend selector goes to the backend
	backendCmd := &resp.RefCommand{Args: cmd.Args[2:]}

	// a blank selector broadcasts and collects the responses verbatim
	if len(cmd.Args[1]) == 0 {
		l := p.createLink(CollectResponses, c)
		for backendIndex := range p.backends {
			bc := p.backendConnForIndex(backendIndex)
			p.sendCommandAndLink(bc, l, backendCmd)
		}
		return
	}

	backendIndex := p.backendIndexForArgument(cmd.Args[1])
	if backendIndex < 0 {
		p.sendClientError(c, "ERR backend does not exist")
		return
	}
	bc := p.backendConnForIndex(backendIndex)
	l := p.createLink(ForwardResponse, c)
	p.sendCommandAndLink(bc, l, backendCmd)
}

func commandGEORADIUS(p *Proxy, c *Client, cmd *resp.Command) {
	// GEORADIUS[BYMEMBER] key long lat rad unit ...
	if len(cmd.Args) < 6 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	backendIndex := p.backendIndexForKey(cmd.Args[1])

	// STORE/STOREDIST destinations must live on the same backend
	argIndex := 6
	for argIndex < len(cmd.Args) {
		a := string(cmd.Args[argIndex])
		switch {
		case a == "COUNT":
			argIndex += 2
		case a == "STORE" || a == "STOREDIST":
			if argIndex == len(cmd.Args)-1 {
				p.sendClientError(c, "ERR store clause missing argument")
				return
			}
			if p.backendIndexForKey(cmd.Args[argIndex+1]) != backendIndex {
				p.sendClientError(c, "PROXYERROR keys are on different backends")
				return
			}
			argIndex += 2
		default:
			argIndex++
		}
	}

	bc := p.backendConnForIndex(backendIndex)
	l := p.createLink(ForwardResponse, c)
	p.sendCommandAndLink(bc, l, cmd)
}

func commandINFO(p *Proxy, c *Client, cmd *resp.Command) {
	// INFO - proxy info
	if len(cmd.Args) == 1 {
		hashBegin := "NULL"
		if p.hashBeginDelimiter >= 0 {
			hashBegin = string(rune(p.hashBeginDelimiter))
		}
		hashEnd := "NULL"
		if p.hashEndDelimiter >= 0 {
			hashEnd = string(rune(p.hashEndDelimiter))
		}

		var out bytes.Buffer
		fmt.Fprintf(&out, "# Server\n")
		fmt.Fprintf(&out, "proxy_version:tqkvproxy\n")
		fmt.Fprintf(&out, "process_id:%d\n", os.Getpid())
		fmt.Fprintf(&out, "worker_index:%d\n", p.index)
		fmt.Fprintf(&out, "start_time_usecs:%d\n", p.stats.StartTime.UnixMicro())
		fmt.Fprintf(&out, "uptime_usecs:%d\n", time.Since(p.stats.StartTime).Microseconds())
		fmt.Fprintf(&out, "hash_begin_delimiter:%s\n", hashBegin)
		fmt.Fprintf(&out, "hash_end_delimiter:%s\n", hashEnd)
		fmt.Fprintf(&out, "\n# Counters\n")
		fmt.Fprintf(&out, "num_commands_received:%d\n", p.stats.CommandsReceived.Load())
		fmt.Fprintf(&out, "num_commands_sent:%d\n", p.stats.CommandsSent.Load())
		fmt.Fprintf(&out, "num_responses_received:%d\n", p.stats.ResponsesReceived.Load())
		fmt.Fprintf(&out, "num_responses_sent:%d\n", p.stats.ResponsesSent.Load())
		fmt.Fprintf(&out, "num_connections_received:%d\n", p.stats.ConnectionsReceived.Load())
		fmt.Fprintf(&out, "num_clients:%d\n", p.stats.Clients.Load())
		fmt.Fprintf(&out, "num_clients_this_worker:%d\n", len(p.clients))
		fmt.Fprintf(&out, "num_backends:%d\n", len(p.backends))
		p.sendClientResponse(c, resp.NewBulk(out.Bytes()))
		return
	}

	// INFO BACKEND num - the proxy's own info for that backend
	if len(cmd.Args) == 3 && arg(cmd, 1, "BACKEND") {
		backendIndex := p.backendIndexForArgument(cmd.Args[2])
		if backendIndex < 0 {
			p.sendClientError(c, "ERR backend does not exist")
			return
		}
		b := p.backends[backendIndex]

		var out bytes.Buffer
		fmt.Fprintf(&out, "name:%s\n", b.host.Name)
		fmt.Fprintf(&out, "debug_name:%s\n", b.debugName)
		fmt.Fprintf(&out, "host:%s\n", b.host.Host)
		fmt.Fprintf(&out, "port:%d\n", b.host.Port)
		fmt.Fprintf(&out, "num_commands_sent:%d\n", b.numCommandsSent)
		fmt.Fprintf(&out, "num_responses_received:%d\n", b.numResponsesReceived)
		for _, bc := range b.conns {
			fmt.Fprintf(&out, "connection_%d:commands_sent=%d,responses_received=%d,chain_length=%d\n",
				bc.index, bc.numCommandsSent, bc.numResponsesReceived, bc.chainLength())
		}
		p.sendClientResponse(c, resp.NewBulk(out.Bytes()))
		return
	}

	// INFO num [section] - forwarded to the backend with the selector
	// removed
	backendIndex := p.backendIndexForArgument(cmd.Args[1])
	if backendIndex < 0 {
		p.sendClientError(c, "ERR backend does not exist")
		return
	}

	backendCmd := &resp.RefCommand{Args: make([][]byte, 0, len(cmd.Args)-1)}
	backendCmd.Args = append(backendCmd.Args, cmd.Args[0])
	backendCmd.Args = append(backendCmd.Args, cmd.Args[2:]...)

	bc := p.backendConnForIndex(backendIndex)
	l := p.createLink(ForwardResponse, c)
	p.sendCommandAndLink(bc, l, backendCmd)
}

func commandKEYS(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) != 2 {
		p.sendClientError(c, "ERR incorrect argument count")
	} else {
		p.commandForwardAll(c, cmd, CombineMultiResponses)
	}
}

func commandLATENCY(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 2 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	switch {
	case arg(cmd, 1, "DOCTOR") || arg(cmd, 1, "GRAPH") || arg(cmd, 1, "RESET") ||
		arg(cmd, 1, "LATEST") || arg(cmd, 1, "HISTORY"):
		allCollectResponses(p, c, cmd)
	case len(cmd.Args) == 2 && arg(cmd, 1, "HELP"):
		forwardRandom(p, c, cmd)
	default:
		p.sendClientError(c, "ERR unrecognized subcommand")
	}
}

func commandMEMORY(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 2 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	switch {
	case len(cmd.Args) == 2 && (arg(cmd, 1, "DOCTOR") || arg(cmd, 1, "MALLOC-STATS") ||
		arg(cmd, 1, "PURGE") || arg(cmd, 1, "STATS")):
		allCollectResponses(p, c, cmd)
	case len(cmd.Args) == 2 && arg(cmd, 1, "HELP"):
		forwardRandom(p, c, cmd)
	case len(cmd.Args) >= 3 && arg(cmd, 1, "USAGE"):
		p.forwardByKeyIndex(c, cmd, 2)
	default:
		p.sendClientError(c, "ERR unrecognized subcommand")
	}
}

func commandMIGRATE(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 6 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	if len(cmd.Args[3]) != 0 {
		p.forwardByKeyIndex(c, cmd, 3)
		return
	}

	// multi-key form: find the KEYS token and partition after it
	argIndex := 6
	for argIndex < len(cmd.Args) && !arg(cmd, argIndex, "KEYS") {
		argIndex++
	}
	if argIndex >= len(cmd.Args) {
		p.sendClientError(c, "ERR the KEYS option is required if argument 3 is blank")
		return
	}
	// partition after the KEYS token; the token stays in each
	// sub-command's prefix
	p.commandPartitionByKeys(c, cmd, argIndex+1, 1, true, ModifyMigrateResponse)
}

func commandMODULE(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 2 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	if arg(cmd, 1, "LIST") || arg(cmd, 1, "LOAD") || arg(cmd, 1, "UNLOAD") {
		allCollectResponses(p, c, cmd)
		return
	}
	p.sendClientError(c, "ERR unrecognized subcommand")
}

func commandMSETNX(p *Proxy, c *Client, cmd *resp.Command) {
	numArgs := len(cmd.Args)
	if numArgs < 3 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}
	if numArgs&1 != 1 {
		p.sendClientError(c, "ERR incorrect argument count")
		return
	}

	// the semantics are all-or-nothing, so the keys must share a backend
	backendIndex := p.backendIndexForKey(cmd.Args[1])
	for x := 3; x < numArgs; x += 2 {
		if p.backendIndexForKey(cmd.Args[x]) != backendIndex {
			p.sendClientError(c, "PROXYERROR keys are on different backends")
			return
		}
	}

	bc := p.backendConnForIndex(backendIndex)
	l := p.createLink(ForwardResponse, c)
	p.sendCommandAndLink(bc, l, cmd)
}

func commandOBJECT(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) == 2 && arg(cmd, 1, "HELP") {
		forwardRandom(p, c, cmd)
		return
	}
	if len(cmd.Args) != 3 {
		p.sendClientError(c, "ERR incorrect argument count")
		return
	}
	p.forwardByKeyIndex(c, cmd, 2)
}

func commandPING(p *Proxy, c *Client, cmd *resp.Command) {
	p.sendClientResponse(c, resp.NewStatus("PONG"))
}

func commandPRINTSTATE(p *Proxy, c *Client, cmd *resp.Command) {
	log.Printf("[Proxy] state readout requested by client %s", c.debugName)
	p.dumpState(os.Stderr)
	p.sendClientResponse(c, okResponse)
}

func commandQUIT(p *Proxy, c *Client, cmd *resp.Command) {
	c.shouldDisconnect = true
}

func commandROLE(p *Proxy, c *Client, cmd *resp.Command) {
	backendFields := make([]*resp.Response, 0, len(p.backends))
	for _, b := range p.backends {
		backendFields = append(backendFields, resp.NewBulkString(b.debugName))
	}
	p.sendClientResponse(c, resp.NewMulti(
		resp.NewBulkString("proxy"),
		resp.NewMulti(backendFields...)))
}

func commandSCAN(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 2 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	// cursor "0" starts a fresh scan on the first backend
	if string(cmd.Args[1]) == "0" {
		bc := p.backendConnForIndex(0)
		l := p.createLink(ModifyScanResponse, c)
		l.scanBackendIndex = 0
		p.sendCommandAndLink(bc, l, cmd)
		return
	}

	cursor, err := strconv.ParseUint(string(cmd.Args[1]), 10, 64)
	if err != nil {
		p.sendClientError(c, "ERR cursor format is incorrect")
		return
	}

	// the highest-order bits of the cursor carry the backend index; the
	// rest is the cursor on that backend
	indexBits := p.scanCursorBackendIndexBits()
	backendIndex := int(cursor >> (64 - indexBits))
	if backendIndex >= len(p.backends) {
		p.sendClientError(c, "PROXYERROR cursor refers to a nonexistent backend")
		return
	}
	cursor &= uint64(1)<<(64-indexBits) - 1

	cursorArg := strconv.AppendUint(nil, cursor, 10)
	backendCmd := &resp.RefCommand{Args: make([][]byte, 0, len(cmd.Args))}
	backendCmd.Args = append(backendCmd.Args, cmd.Args[0], cursorArg)
	backendCmd.Args = append(backendCmd.Args, cmd.Args[2:]...)

	bc := p.backendConnForIndex(backendIndex)
	l := p.createLink(ModifyScanResponse, c)
	l.scanBackendIndex = backendIndex
	p.sendCommandAndLink(bc, l, backendCmd)
}

func commandSCRIPT(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 2 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	switch {
	case arg(cmd, 1, "FLUSH"):
		p.commandForwardAll(c, cmd, CollectStatusResponses)
	case arg(cmd, 1, "LOAD"):
		p.commandForwardAll(c, cmd, CollectIdenticalResponses)
	case arg(cmd, 1, "EXISTS"):
		p.commandForwardAll(c, cmd, ModifyScriptExistsResponse)
	default:
		p.sendClientError(c, "PROXYERROR unsupported subcommand")
	}
}

func commandXGROUP(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 2 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	switch {
	case arg(cmd, 1, "HELP"):
		forwardRandom(p, c, cmd)
	case arg(cmd, 1, "CREATE") || arg(cmd, 1, "SETID") || arg(cmd, 1, "DESTROY") ||
		arg(cmd, 1, "DELCONSUMER"):
		p.forwardByKeyIndex(c, cmd, 2)
	default:
		p.sendClientError(c, "ERR unknown subcommand")
	}
}

func commandXINFO(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) < 2 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	switch {
	case arg(cmd, 1, "HELP"):
		forwardRandom(p, c, cmd)
	case arg(cmd, 1, "CONSUMERS") || arg(cmd, 1, "GROUPS") || arg(cmd, 1, "STREAM"):
		p.forwardByKeyIndex(c, cmd, 2)
	default:
		p.sendClientError(c, "ERR unknown subcommand")
	}
}

func commandXREAD(p *Proxy, c *Client, cmd *resp.Command) {
	numArgs := len(cmd.Args)
	if numArgs < 3 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	argIndex := 1
	if string(cmd.Args[0]) == "XREADGROUP" {
		if !arg(cmd, 1, "GROUP") {
			p.sendClientError(c, "ERR GROUP is required")
			return
		}
		argIndex = 4
	}
	if argIndex >= numArgs {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	if arg(cmd, argIndex, "COUNT") {
		argIndex += 2
	}
	if argIndex >= numArgs {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	if arg(cmd, argIndex, "BLOCK") {
		p.sendClientError(c, "PROXYERROR blocking reads are not supported")
		return
	}

	if !arg(cmd, argIndex, "STREAMS") {
		p.sendClientError(c, "ERR STREAMS argument expected")
		return
	}
	argIndex++

	if (numArgs-argIndex)&1 != 0 {
		p.sendClientError(c, "ERR there must be an equal number of streams and IDs")
		return
	}

	// keys come first, then their IDs: a non-interleaved partition
	p.commandPartitionByKeys(c, cmd, argIndex, 2, false, CollectMultiResponsesByKey)
}

func commandZACTIONSTORE(p *Proxy, c *Client, cmd *resp.Command) {
	// like forwardByKeys, except the checked key count is in argv[2]
	numArgs := len(cmd.Args)
	if numArgs <= 3 {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}

	numKeys, err := strconv.ParseInt(string(cmd.Args[2]), 10, 64)
	if err != nil || numKeys < 1 || numKeys > int64(numArgs-3) {
		p.sendClientError(c, "ERR key count is invalid")
		return
	}

	backendIndex := p.backendIndexForKey(cmd.Args[1])
	for x := 0; x < int(numKeys); x++ {
		if p.backendIndexForKey(cmd.Args[3+x]) != backendIndex {
			p.sendClientError(c, "PROXYERROR keys are on different backends")
			return
		}
	}

	bc := p.backendConnForIndex(backendIndex)
	l := p.createLink(ForwardResponse, c)
	p.sendCommandAndLink(bc, l, cmd)
}
