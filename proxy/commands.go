package proxy

import (
	"log"
	"math/rand/v2"

	"github.com/mevdschee/tqkvproxy/resp"
)

type handlerFunc func(p *Proxy, c *Client, cmd *resp.Command)

// handleClientCommand uppercases the command name in place, dispatches
// it, and flushes any responses the handler made ready. A panicking
// handler turns into a PROXYERROR delivered in order.
func (p *Proxy) handleClientCommand(c *Client, cmd *resp.Command) {
	if len(cmd.Args) == 0 {
		if c.tailLink != nil {
			p.createErrorLink(c, invalidCommandResponse)
		} else {
			p.sendClientResponse(c, invalidCommandResponse)
		}
		p.sendAllReadyResponses(c)
		return
	}

	upperInPlace(cmd.Args[0])

	handler, ok := p.handlers[string(cmd.Args[0])]
	if !ok {
		handler = commandDefault
	}

	origTail := c.tailLink
	func() {
		defer func() {
			if v := recover(); v != nil {
				r := resp.NewErrorf("PROXYERROR handler failed: %v", v)
				switch {
				case c.tailLink == nil:
					p.sendClientResponse(c, r)
				case c.tailLink == origTail:
					// the handler created no link; queue the error
					// behind the waiting responses
					p.createErrorLink(c, r)
				case c.tailLink.errorResponse == nil:
					c.tailLink.errorResponse = r
				}
			}
		}()
		handler(p, c, cmd)
	}()

	p.sendAllReadyResponses(c)
}

func upperInPlace(b []byte) {
	for i, ch := range b {
		if ch >= 'a' && ch <= 'z' {
			b[i] = ch - 'a' + 'A'
		}
	}
}

func (p *Proxy) sendClientError(c *Client, msg string) {
	p.sendClientResponse(c, resp.NewError(msg))
}

// generic command implementations

func commandUnimplemented(p *Proxy, c *Client, cmd *resp.Command) {
	p.sendClientError(c, "PROXYERROR command not supported")
}

func commandDefault(p *Proxy, c *Client, cmd *resp.Command) {
	log.Printf("[Proxy] unknown command from %s: %s", c.debugName, cmd.Format())
	p.sendClientError(c, "PROXYERROR unknown command")
}

// commandForwardAll broadcasts the command unchanged to every backend.
func (p *Proxy) commandForwardAll(c *Client, cmd *resp.Command, policy CollectionType) {
	l := p.createLink(policy, c)
	for backendIndex := range p.backends {
		bc := p.backendConnForIndex(backendIndex)
		p.sendCommandAndLink(bc, l, cmd)
	}
}

func allCollectResponses(p *Proxy, c *Client, cmd *resp.Command) {
	p.commandForwardAll(c, cmd, CollectResponses)
}

func allCollectStatusResponses(p *Proxy, c *Client, cmd *resp.Command) {
	p.commandForwardAll(c, cmd, CollectStatusResponses)
}

func allSumIntResponses(p *Proxy, c *Client, cmd *resp.Command) {
	p.commandForwardAll(c, cmd, SumIntegerResponses)
}

// forwardByKeyIndex routes the command to the backend owning the key at
// the given argv index.
func (p *Proxy) forwardByKeyIndex(c *Client, cmd *resp.Command, keyIndex int) {
	if keyIndex >= len(cmd.Args) {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}
	bc := p.backendConnForKey(cmd.Args[keyIndex])
	l := p.createLink(ForwardResponse, c)
	p.sendCommandAndLink(bc, l, cmd)
}

func forwardByKey1(p *Proxy, c *Client, cmd *resp.Command) {
	p.forwardByKeyIndex(c, cmd, 1)
}

// forwardByKeys verifies that the keys in [startKeyIndex, endKeyIndex)
// all hash to one backend and forwards there. endKeyIndex < 0 means
// through the last argument.
func (p *Proxy) forwardByKeys(c *Client, cmd *resp.Command, startKeyIndex, endKeyIndex int) {
	numArgs := len(cmd.Args)
	if numArgs <= startKeyIndex {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}
	if endKeyIndex < 0 || endKeyIndex > numArgs {
		endKeyIndex = numArgs
	}

	backendIndex := p.backendIndexForKey(cmd.Args[startKeyIndex])
	for x := startKeyIndex + 1; x < endKeyIndex; x++ {
		if p.backendIndexForKey(cmd.Args[x]) != backendIndex {
			p.sendClientError(c, "PROXYERROR keys are on different backends")
			return
		}
	}

	bc := p.backendConnForIndex(backendIndex)
	l := p.createLink(ForwardResponse, c)
	p.sendCommandAndLink(bc, l, cmd)
}

func forwardByKeys1All(p *Proxy, c *Client, cmd *resp.Command) {
	p.forwardByKeys(c, cmd, 1, -1)
}

func forwardByKeys12(p *Proxy, c *Client, cmd *resp.Command) {
	p.forwardByKeys(c, cmd, 1, 3)
}

func forwardByKeys2All(p *Proxy, c *Client, cmd *resp.Command) {
	p.forwardByKeys(c, cmd, 2, -1)
}

func forwardRandom(p *Proxy, c *Client, cmd *resp.Command) {
	bc := p.backendConnForIndex(rand.IntN(len(p.backends)))
	l := p.createLink(ForwardResponse, c)
	p.sendCommandAndLink(bc, l, cmd)
}

// commandPartitionByKeys groups the key arguments by owning backend and
// issues one borrowed-argv sub-command per backend. For interleaved
// layouts the argsPerKey arguments of a key are adjacent; otherwise the
// y-th key's arguments sit at startArgIndex + z*numKeys + y. When the
// policy recombines by key, the queue of backend indices in original
// key order is recorded on the link.
func (p *Proxy) commandPartitionByKeys(c *Client, cmd *resp.Command,
	startArgIndex, argsPerKey int, interleaved bool, policy CollectionType) {

	if len(cmd.Args) <= startArgIndex {
		p.sendClientError(c, "ERR not enough arguments")
		return
	}
	if (len(cmd.Args)-startArgIndex)%argsPerKey != 0 {
		p.sendClientError(c, "ERR incorrect number of arguments")
		return
	}
	numKeys := (len(cmd.Args) - startArgIndex) / argsPerKey

	l := p.createLink(policy, c)
	if policy == CollectMultiResponsesByKey {
		l.recombinationQueue = make([]int, 0, numKeys)
	}

	backendCmds := make([]*resp.RefCommand, len(p.backends))
	backendCmd := func(backendIndex int) *resp.RefCommand {
		bcmd := backendCmds[backendIndex]
		if bcmd == nil {
			bcmd = &resp.RefCommand{Args: make([][]byte, 0, startArgIndex+argsPerKey)}
			bcmd.Args = append(bcmd.Args, cmd.Args[:startArgIndex]...)
			backendCmds[backendIndex] = bcmd
		}
		return bcmd
	}

	if interleaved {
		for y := 0; y < numKeys; y++ {
			base := startArgIndex + y*argsPerKey
			backendIndex := p.backendIndexForKey(cmd.Args[base])
			if policy == CollectMultiResponsesByKey {
				l.recombinationQueue = append(l.recombinationQueue, backendIndex)
			}
			bcmd := backendCmd(backendIndex)
			bcmd.Args = append(bcmd.Args, cmd.Args[base:base+argsPerKey]...)
		}
	} else {
		backendKeyIndexes := make([][]int, len(p.backends))
		for y := 0; y < numKeys; y++ {
			backendIndex := p.backendIndexForKey(cmd.Args[startArgIndex+y])
			if policy == CollectMultiResponsesByKey {
				l.recombinationQueue = append(l.recombinationQueue, backendIndex)
			}
			backendKeyIndexes[backendIndex] = append(backendKeyIndexes[backendIndex], y)
		}
		for backendIndex, keyIndexes := range backendKeyIndexes {
			if len(keyIndexes) == 0 {
				continue
			}
			bcmd := backendCmd(backendIndex)
			for z := 0; z < argsPerKey; z++ {
				for _, y := range keyIndexes {
					bcmd.Args = append(bcmd.Args, cmd.Args[startArgIndex+z*numKeys+y])
				}
			}
		}
	}

	for backendIndex, bcmd := range backendCmds {
		if bcmd == nil {
			continue
		}
		bc := p.backendConnForIndex(backendIndex)
		p.sendCommandAndLink(bc, l, bcmd)
	}
}

func partitionByKeys1Integer(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) == 2 {
		forwardByKey1(p, c, cmd)
	} else {
		p.commandPartitionByKeys(c, cmd, 1, 1, true, SumIntegerResponses)
	}
}

func partitionByKeys1Multi(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) == 2 {
		forwardByKey1(p, c, cmd)
	} else {
		p.commandPartitionByKeys(c, cmd, 1, 1, true, CollectMultiResponsesByKey)
	}
}

func partitionByKeys2Status(p *Proxy, c *Client, cmd *resp.Command) {
	if len(cmd.Args) == 3 {
		forwardByKey1(p, c, cmd)
	} else {
		p.commandPartitionByKeys(c, cmd, 1, 2, true, CollectStatusResponses)
	}
}

// arg reports whether the argv element at index equals s. Subcommand
// matching is byte-exact; only the command name is case-folded.
func arg(cmd *resp.Command, index int, s string) bool {
	return index < len(cmd.Args) && string(cmd.Args[index]) == s
}

// defaultHandlers is the process-wide dispatch table. The set is closed;
// configuration can only remove entries.
var defaultHandlers = map[string]handlerFunc{
	"AUTH":         commandUnimplemented,
	"BLPOP":        commandUnimplemented,
	"BRPOP":        commandUnimplemented,
	"BRPOPLPUSH":   commandUnimplemented,
	"BZPOPMAX":     commandUnimplemented,
	"BZPOPMIN":     commandUnimplemented,
	"CLUSTER":      commandUnimplemented,
	"DISCARD":      commandUnimplemented,
	"EXEC":         commandUnimplemented,
	"MONITOR":      commandUnimplemented,
	"MOVE":         commandUnimplemented,
	"MULTI":        commandUnimplemented,
	"PSUBSCRIBE":   commandUnimplemented,
	"PUBLISH":      commandUnimplemented,
	"PUBSUB":       commandUnimplemented,
	"PUNSUBSCRIBE": commandUnimplemented,
	"READONLY":     commandUnimplemented,
	"READWRITE":    commandUnimplemented,
	"SELECT":       commandUnimplemented,
	"SLAVEOF":      commandUnimplemented,
	"SUBSCRIBE":    commandUnimplemented,
	"SWAPDB":       commandUnimplemented,
	"SYNC":         commandUnimplemented,
	"UNSUBSCRIBE":  commandUnimplemented,
	"UNWATCH":      commandUnimplemented,
	"WAIT":         commandUnimplemented,
	"WATCH":        commandUnimplemented,

	"ACL":               commandACL,
	"APPEND":            forwardByKey1,
	"BGREWRITEAOF":      allCollectStatusResponses,
	"BGSAVE":            allCollectStatusResponses,
	"BITCOUNT":          forwardByKey1,
	"BITFIELD":          forwardByKey1,
	"BITOP":             forwardByKeys2All,
	"BITPOS":            forwardByKey1,
	"CLIENT":            commandCLIENT,
	"COMMAND":           forwardRandom,
	"CONFIG":            allCollectResponses,
	"DBSIZE":            allSumIntResponses,
	"DEBUG":             commandDEBUG,
	"DECR":              forwardByKey1,
	"DECRBY":            forwardByKey1,
	"DEL":               partitionByKeys1Integer,
	"DUMP":              forwardByKey1,
	"ECHO":              commandECHO,
	"EVAL":              commandEVAL,
	"EVALSHA":           commandEVAL,
	"EXISTS":            partitionByKeys1Integer,
	"EXPIRE":            forwardByKey1,
	"EXPIREAT":          forwardByKey1,
	"FLUSHALL":          allCollectStatusResponses,
	"FLUSHDB":           allCollectStatusResponses,
	"GEOADD":            forwardByKey1,
	"GEOHASH":           forwardByKey1,
	"GEOPOS":            forwardByKey1,
	"GEODIST":           forwardByKey1,
	"GEORADIUS":         commandGEORADIUS,
	"GEORADIUSBYMEMBER": commandGEORADIUS,
	"GET":               forwardByKey1,
	"GETBIT":            forwardByKey1,
	"GETRANGE":          forwardByKey1,
	"GETSET":            forwardByKey1,
	"HDEL":              forwardByKey1,
	"HEXISTS":           forwardByKey1,
	"HGET":              forwardByKey1,
	"HGETALL":           forwardByKey1,
	"HINCRBY":           forwardByKey1,
	"HINCRBYFLOAT":      forwardByKey1,
	"HKEYS":             forwardByKey1,
	"HLEN":              forwardByKey1,
	"HMGET":             forwardByKey1,
	"HMSET":             forwardByKey1,
	"HSCAN":             forwardByKey1,
	"HSET":              forwardByKey1,
	"HSETNX":            forwardByKey1,
	"HSTRLEN":           forwardByKey1,
	"HVALS":             forwardByKey1,
	"INCR":              forwardByKey1,
	"INCRBY":            forwardByKey1,
	"INCRBYFLOAT":       forwardByKey1,
	"INFO":              commandINFO,
	"KEYS":              commandKEYS,
	"LASTSAVE":          allCollectResponses,
	"LATENCY":           commandLATENCY,
	"LINDEX":            forwardByKey1,
	"LINSERT":           forwardByKey1,
	"LLEN":              forwardByKey1,
	"LOLWUT":            forwardRandom,
	"LPOP":              forwardByKey1,
	"LPUSH":             forwardByKey1,
	"LPUSHX":            forwardByKey1,
	"LRANGE":            forwardByKey1,
	"LREM":              forwardByKey1,
	"LSET":              forwardByKey1,
	"LTRIM":             forwardByKey1,
	"MEMORY":            commandMEMORY,
	"MGET":              partitionByKeys1Multi,
	"MIGRATE":           commandMIGRATE,
	"MODULE":            commandMODULE,
	"MSET":              partitionByKeys2Status,
	"MSETNX":            commandMSETNX,
	"OBJECT":            commandOBJECT,
	"PERSIST":           forwardByKey1,
	"PEXPIRE":           forwardByKey1,
	"PEXPIREAT":         forwardByKey1,
	"PFADD":             forwardByKey1,
	"PFCOUNT":           forwardByKeys1All,
	"PFMERGE":           forwardByKeys1All,
	"PING":              commandPING,
	"PSETEX":            forwardByKey1,
	"PTTL":              forwardByKey1,
	"QUIT":              commandQUIT,
	"RANDOMKEY":         forwardRandom,
	"RENAME":            forwardByKeys1All,
	"RENAMENX":          forwardByKeys1All,
	"RESTORE":           forwardByKey1,
	"ROLE":              commandROLE,
	"RPOP":              forwardByKey1,
	"RPOPLPUSH":         forwardByKeys1All,
	"RPUSH":             forwardByKey1,
	"RPUSHX":            forwardByKey1,
	"SADD":              forwardByKey1,
	"SAVE":              allCollectStatusResponses,
	"SCAN":              commandSCAN,
	"SCARD":             forwardByKey1,
	"SCRIPT":            commandSCRIPT,
	"SDIFF":             forwardByKeys1All,
	"SDIFFSTORE":        forwardByKeys1All,
	"SET":               forwardByKey1,
	"SETBIT":            forwardByKey1,
	"SETEX":             forwardByKey1,
	"SETNX":             forwardByKey1,
	"SETRANGE":          forwardByKey1,
	"SHUTDOWN":          allCollectStatusResponses,
	"SINTER":            forwardByKeys1All,
	"SINTERSTORE":       forwardByKeys1All,
	"SISMEMBER":         forwardByKey1,
	"SLOWLOG":           allCollectResponses,
	"SMEMBERS":          forwardByKey1,
	"SMOVE":             forwardByKeys12,
	"SORT":              forwardByKey1,
	"SPOP":              forwardByKey1,
	"SRANDMEMBER":       forwardByKey1,
	"SREM":              forwardByKey1,
	"SSCAN":             forwardByKey1,
	"STRLEN":            forwardByKey1,
	"SUNION":            forwardByKeys1All,
	"SUNIONSTORE":       forwardByKeys1All,
	"TIME":              allCollectResponses,
	"TOUCH":             partitionByKeys1Integer,
	"TTL":               forwardByKey1,
	"TYPE":              forwardByKey1,
	"UNLINK":            partitionByKeys1Integer,
	"XACK":              forwardByKey1,
	"XADD":              forwardByKey1,
	"XCLAIM":            forwardByKey1,
	"XDEL":              forwardByKey1,
	"XGROUP":            commandXGROUP,
	"XINFO":             commandXINFO,
	"XLEN":              forwardByKey1,
	"XPENDING":          forwardByKey1,
	"XRANGE":            forwardByKey1,
	"XREAD":             commandXREAD,
	"XREADGROUP":        commandXREAD,
	"XREVRANGE":         forwardByKey1,
	"XTRIM":             forwardByKey1,
	"ZADD":              forwardByKey1,
	"ZCARD":             forwardByKey1,
	"ZCOUNT":            forwardByKey1,
	"ZINCRBY":           forwardByKey1,
	"ZINTERSTORE":       commandZACTIONSTORE,
	"ZLEXCOUNT":         forwardByKey1,
	"ZPOPMAX":           forwardByKey1,
	"ZPOPMIN":           forwardByKey1,
	"ZRANGE":            forwardByKey1,
	"ZRANGEBYLEX":       forwardByKey1,
	"ZRANGEBYSCORE":     forwardByKey1,
	"ZRANK":             forwardByKey1,
	"ZREM":              forwardByKey1,
	"ZREMRANGEBYLEX":    forwardByKey1,
	"ZREMRANGEBYRANK":   forwardByKey1,
	"ZREMRANGEBYSCORE":  forwardByKey1,
	"ZREVRANGE":         forwardByKey1,
	"ZREVRANGEBYLEX":    forwardByKey1,
	"ZREVRANGEBYSCORE":  forwardByKey1,
	"ZREVRANK":          forwardByKey1,
	"ZSCAN":             forwardByKey1,
	"ZSCORE":            forwardByKey1,
	"ZUNIONSTORE":       commandZACTIONSTORE,

	// commands that aren't part of the official protocol
	"BACKEND":    commandBACKEND,
	"BACKENDNUM": commandBACKENDNUM,
	"BACKENDS":   commandBACKENDS,
	"FORWARD":    commandFORWARD,
	"PRINTSTATE": commandPRINTSTATE,
}
