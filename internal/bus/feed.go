package bus

import (
	"container/list"
	"encoding/json"
	"sync"
)

// Change is one row-level change from the database feed.
type Change struct {
	Table  string                 `json:"table"`
	Type   string                 `json:"type"` // "insert" | "update"
	Record map[string]interface{} `json:"record"`
}

// Translate maps a row change onto a bus event. Returns false for tables
// and change types the bus does not relay.
func Translate(c Change) (Kind, string, string, bool) {
	if c.Type != "insert" && c.Type != "update" {
		return "", "", "", false
	}

	str := func(key string) string {
		v, _ := c.Record[key].(string)
		return v
	}

	switch c.Table {
	case "trades", "trade_events":
		tradeID := str("trade_id")
		if c.Table == "trades" {
			tradeID = str("id")
		}
		if tradeID == "" {
			return "", "", "", false
		}
		return KindTradeEvent, tradeID, "", true
	case "messages":
		tradeID := str("trade_id")
		if tradeID == "" {
			return "", "", "", false
		}
		return KindMessage, tradeID, "", true
	case "notifications":
		userID := str("user_id")
		if userID == "" {
			return "", "", "", false
		}
		return KindNotification, "", userID, true
	}
	return "", "", "", false
}

// Key identifies a change for dedupe purposes. The feed may redeliver
// after reconnects, so consumers suppress keys they have already relayed.
func (c Change) Key() string {
	id, _ := c.Record["id"].(string)
	updated, _ := c.Record["updated_at"].(string)
	status, _ := c.Record["status"].(string)
	escrow, _ := c.Record["escrow_status"].(string)
	return c.Table + "/" + c.Type + "/" + id + "/" + status + escrow + "/" + updated
}

// Deduper remembers the last N keys it has seen.
type Deduper struct {
	mu    sync.Mutex
	max   int
	seen  map[string]*list.Element
	order *list.List
}

// NewDeduper creates a deduper remembering up to max keys.
func NewDeduper(max int) *Deduper {
	if max <= 0 {
		max = 1024
	}
	return &Deduper{
		max:   max,
		seen:  make(map[string]*list.Element),
		order: list.New(),
	}
}

// Seen records the key and reports whether it was already present.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = d.order.PushBack(key)
	for d.order.Len() > d.max {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	return false
}

// UnmarshalChange parses a feed payload.
func UnmarshalChange(payload []byte) (Change, error) {
	var c Change
	err := json.Unmarshal(payload, &c)
	return c, err
}
