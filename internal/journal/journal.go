// Package journal keeps a bounded in-memory record of delivered exceptions
// and listen outcome counters for the admin surface.
package journal

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/excport/internal/mach"
)

const DefaultLimit = 256

// Entry is one delivered exception.
type Entry struct {
	ID          string    `json:"id"`
	ListenID    string    `json:"listen_id"`
	Type        string    `json:"type"`
	TypeCode    int32     `json:"type_code"`
	Code        int64     `json:"code"`
	Subcode     int64     `json:"subcode"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`

	seq uint64
}

func (e Entry) Exception() mach.Exception {
	return mach.Exception{Type: mach.ExceptionType(e.TypeCode), Code: e.Code, Subcode: e.Subcode}
}

// Journal stores the most recent entries up to its limit. The oldest entry
// is evicted first.
type Journal struct {
	mu      sync.RWMutex
	limit   int
	seq     uint64
	items   map[string]Entry
	order   []string
	tallies map[string]uint64
}

func New(limit int) *Journal {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Journal{
		limit:   limit,
		items:   make(map[string]Entry),
		tallies: make(map[string]uint64),
	}
}

func (j *Journal) Limit() int {
	return j.limit
}

// Record appends exc and returns the stored entry.
func (j *Journal) Record(listenID string, exc mach.Exception, description string, at time.Time) Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	entry := Entry{
		ID:          uuid.NewString(),
		ListenID:    strings.TrimSpace(listenID),
		Type:        exc.Type.String(),
		TypeCode:    int32(exc.Type),
		Code:        exc.Code,
		Subcode:     exc.Subcode,
		Description: description,
		At:          at.UTC(),
		seq:         j.seq,
	}
	j.items[entry.ID] = entry
	j.order = append(j.order, entry.ID)
	for len(j.order) > j.limit {
		delete(j.items, j.order[0])
		j.order = j.order[1:]
	}
	return entry
}

// Tally counts one listen outcome under kind.
func (j *Journal) Tally(kind string) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tallies[kind]++
}

func (j *Journal) Count(kind string) uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.tallies[strings.TrimSpace(kind)]
}

func (j *Journal) Tallies() map[string]uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make(map[string]uint64, len(j.tallies))
	for k, v := range j.tallies {
		out[k] = v
	}
	return out
}

func (j *Journal) Get(id string) (Entry, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	entry, ok := j.items[strings.TrimSpace(id)]
	return entry, ok
}

func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.items)
}

// List returns up to limit entries, newest first. A limit <= 0 returns all.
func (j *Journal) List(limit int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Entry, 0, len(j.items))
	for _, item := range j.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].seq > out[k].seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
