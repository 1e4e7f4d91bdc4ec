package pipeline

import (
	"sync"
	"time"

	"github.com/ternarybob/brainrot/internal/services/links"
)

// DedupScope selects how repeated links are keyed
type DedupScope string

const (
	DedupPerSender DedupScope = "sender"
	DedupGlobal    DedupScope = "global"
)

// DedupIndex suppresses the same link arriving again within a window.
// Entries live in memory only, so a restart forgets them.
type DedupIndex struct {
	mu     sync.Mutex
	window time.Duration
	scope  DedupScope
	seen   map[string]time.Time
	now    func() time.Time
}

// NewDedupIndex creates an index. A zero window disables deduplication.
func NewDedupIndex(window time.Duration, scope DedupScope) *DedupIndex {
	if scope == "" {
		scope = DedupPerSender
	}
	return &DedupIndex{
		window: window,
		scope:  scope,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func (d *DedupIndex) key(senderID, url string) string {
	canonical := links.Canonical(url)
	if d.scope == DedupGlobal {
		return canonical
	}
	return senderID + "|" + canonical
}

// Claim records the link and reports true if it has not been seen inside
// the window. A false result means the link is a duplicate and must be dropped.
func (d *DedupIndex) Claim(senderID, url string) bool {
	if d.window <= 0 {
		return true
	}

	key := d.key(senderID, url)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[key]; ok && now.Sub(at) < d.window {
		return false
	}
	d.seen[key] = now
	return true
}

// Release forgets a claim, used when job creation fails after Claim
func (d *DedupIndex) Release(senderID, url string) {
	key := d.key(senderID, url)
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Prune drops expired entries and returns how many were removed
func (d *DedupIndex) Prune() int {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries
func (d *DedupIndex) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
