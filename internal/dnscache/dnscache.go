// Package dnscache implements a small in-memory DNS answer cache,
// keyed by question name+type with TTL sourced from the first answer
// record. It lets the controller answer a repeated query from memory,
// without opening an outbound socket through the connector.
package dnscache

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

type entry struct {
	msg *dns.Msg
	exp time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	storage map[string]*entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{storage: make(map[string]*entry)}
}

func packUint16(i uint16) []byte { return []byte{byte(i >> 8), byte(i)} }

func cacheKey(q dns.Question) string {
	return string(append([]byte(q.Name), packUint16(q.Qtype)...))
}

// Query unpacks a raw DNS request payload and returns a cached
// answer, re-stamped with the request's transaction ID, or nil if
// there is no live entry.
func (c *Cache) Query(payload []byte) *dns.Msg {
	req := new(dns.Msg)
	if err := req.Unpack(payload); err != nil {
		return nil
	}
	if len(req.Question) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(req.Question[0])
	e := c.storage[key]
	if e == nil {
		return nil
	}
	if time.Now().After(e.exp) {
		delete(c.storage, key)
		return nil
	}
	reply := e.msg.Copy()
	reply.Id = req.Id
	return reply
}

// Store unpacks a raw DNS response payload and caches it, if it is a
// successful answer with at least one record. TTL is taken from the
// first answer record, matching how a recursive resolver's own cache
// would expire it.
func (c *Cache) Store(payload []byte) {
	resp := new(dns.Msg)
	if err := resp.Unpack(payload); err != nil {
		return
	}
	if resp.Rcode != dns.RcodeSuccess {
		return
	}
	if len(resp.Question) == 0 || len(resp.Answer) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(resp.Question[0])
	c.storage[key] = &entry{
		msg: resp,
		exp: time.Now().Add(time.Duration(resp.Answer[0].Header().Ttl) * time.Second),
	}
}

// IsDNSTarget reports whether remotePort/one of the configured
// resolver addresses matches, i.e. whether a UDP flow to this
// destination is a DNS query eligible for the cache fast path.
func IsDNSTarget(servers []string, remoteAddr string, remotePort uint16) bool {
	if remotePort != 53 {
		return false
	}
	for _, s := range servers {
		if s == remoteAddr {
			return true
		}
	}
	return false
}
