// Package ring maps keys to backend indices with a ketama-style
// consistent-hash ring. Construction and lookup are deterministic:
// independent instances built from the same ordered backend list agree
// on every key, which is what lets workers shard without coordinating.
package ring

import (
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	pointsPerServer = 160
	pointsPerHash   = 4
)

// Host is one backend location.
type Host struct {
	Host string
	Port int
	Name string
}

// DebugName renders the host as host:port@name.
func (h Host) DebugName() string {
	return fmt.Sprintf("%s:%d@%s", h.Host, h.Port, h.Name)
}

// Addr renders the host as a dialable host:port.
func (h Host) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// ParseNetloc parses "host", "host:port" or "host:port@name". The port
// defaults to defaultPort and the name defaults to host:port.
func ParseNetloc(netloc string, defaultPort int) (Host, error) {
	h := Host{Port: defaultPort}

	rest := netloc
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		h.Name = rest[at+1:]
		rest = rest[:at]
	}
	if colon := strings.LastIndexByte(rest, ':'); colon >= 0 {
		port, err := strconv.Atoi(rest[colon+1:])
		if err != nil || port <= 0 || port > 0xffff {
			return Host{}, fmt.Errorf("invalid port in netloc %q", netloc)
		}
		h.Port = port
		rest = rest[:colon]
	}
	if rest == "" {
		return Host{}, fmt.Errorf("empty host in netloc %q", netloc)
	}
	h.Host = rest
	if h.Name == "" {
		h.Name = fmt.Sprintf("%s:%d", h.Host, h.Port)
	}
	return h, nil
}

// ParseNetlocList parses an ordered backend list.
func ParseNetlocList(netlocs []string, defaultPort int) ([]Host, error) {
	hosts := make([]Host, 0, len(netlocs))
	for _, netloc := range netlocs {
		h, err := ParseNetloc(netloc, defaultPort)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

type point struct {
	value uint32
	index int
}

// Ring is an immutable sorted table of (hash, backend-index) points.
type Ring struct {
	hosts  []Host
	points []point
}

// New builds the ring. For the i-th of N equally weighted hosts,
// floor((1/N) * 160/4 * N) * 4 points are placed; each group of four
// comes from one MD5 of "name-j" read as little-endian 32-bit words.
// This matches the nutcracker continuum so keyspaces shard identically.
func New(hosts []Host) (*Ring, error) {
	if len(hosts) == 0 {
		return nil, errors.New("no hosts in continuum")
	}

	r := &Ring{hosts: hosts}
	totalWeight := float64(len(hosts))

	for hostIndex, host := range hosts {
		pct := 1.0 / totalWeight
		pointsPerHost := int(math.Floor(pct*pointsPerServer/pointsPerHash*float64(len(hosts))+1e-10)) * pointsPerHash

		for j := 0; j < pointsPerHost/pointsPerHash; j++ {
			digest := md5.Sum(fmt.Appendf(nil, "%s-%d", host.Name, j))
			for x := 0; x < pointsPerHash; x++ {
				value := uint32(digest[3+x*4])<<24 |
					uint32(digest[2+x*4])<<16 |
					uint32(digest[1+x*4])<<8 |
					uint32(digest[0+x*4])
				r.points = append(r.points, point{value: value, index: hostIndex})
			}
		}
	}

	sort.SliceStable(r.points, func(i, j int) bool {
		return r.points[i].value < r.points[j].value
	})
	return r, nil
}

// Hosts returns the backing backend table.
func (r *Ring) Hosts() []Host {
	return r.hosts
}

// HostIndexForKey returns the backend index for an already-extracted
// hash slice.
func (r *Ring) HostIndexForKey(key []byte) int {
	h := fingerprint(key)
	i := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].value >= h
	})
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].index
}

// fingerprint is 64-bit FNV-1a truncated to its low 32 bits.
func fingerprint(key []byte) uint32 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	var h uint64 = offset
	for _, b := range key {
		h ^= uint64(b)
		h *= prime
	}
	return uint32(h)
}

// HashSlice extracts the ring input from a key given the configured
// hash-tag delimiters (-1 when unset). With both delimiters the slice
// runs from the first begin to the last end, exclusive; with only one,
// the missing partner is treated as the corresponding end of the key.
// An empty or inverted range falls back to the whole key.
func HashSlice(key []byte, beginDelimiter, endDelimiter int) []byte {
	begin := 0
	if beginDelimiter >= 0 {
		if i := bytes.IndexByte(key, byte(beginDelimiter)); i >= 0 {
			begin = i + 1
		}
	}
	end := len(key)
	if endDelimiter >= 0 {
		if i := bytes.LastIndexByte(key, byte(endDelimiter)); i >= 0 {
			end = i
		}
	}
	if end <= begin {
		return key
	}
	return key[begin:end]
}
