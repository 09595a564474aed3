package tlsx

import (
	"encoding/hex"

	"github.com/patrickmn/go-cache"
)

// ResumptionCache stores master secrets by session ID and session ticket.
// One cache is owned by one analysis run. It is safe for concurrent use.
type ResumptionCache struct {
	c *cache.Cache
}

func NewResumptionCache() *ResumptionCache {
	return &ResumptionCache{c: cache.New(cache.NoExpiration, 0)}
}

func sessionIDKey(id []byte) string { return "id:" + hex.EncodeToString(id) }
func ticketKey(t []byte) string     { return "ticket:" + hex.EncodeToString(t) }

func (r *ResumptionCache) PutSessionID(id, master []byte) {
	if len(id) == 0 {
		return
	}
	r.c.Set(sessionIDKey(id), append([]byte(nil), master...), cache.NoExpiration)
}

func (r *ResumptionCache) PutTicket(ticket, master []byte) {
	if len(ticket) == 0 {
		return
	}
	r.c.Set(ticketKey(ticket), append([]byte(nil), master...), cache.NoExpiration)
}

func (r *ResumptionCache) BySessionID(id []byte) ([]byte, bool) {
	if len(id) == 0 {
		return nil, false
	}
	return r.get(sessionIDKey(id))
}

func (r *ResumptionCache) ByTicket(ticket []byte) ([]byte, bool) {
	if len(ticket) == 0 {
		return nil, false
	}
	return r.get(ticketKey(ticket))
}

func (r *ResumptionCache) get(key string) ([]byte, bool) {
	v, ok := r.c.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Len is the number of stored entries.
func (r *ResumptionCache) Len() int { return r.c.ItemCount() }
