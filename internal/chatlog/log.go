// Package chatlog implements the per-channel message log shared by both
// delivery paths: an append-only, id-deduplicated sequence kept sorted by
// (CreatedAt, ID). History fetches and live pushes both funnel through the
// same Append, which is what makes the two paths converge on one contract.
package chatlog

import (
	"sort"
	"sync"

	"github.com/lalith-99/commlink/internal/models"
)

// AppendListener is invoked after a record is accepted into the log.
// Listeners run synchronously on the appending goroutine, outside the
// log's lock, so a slow listener stalls that delivery path only.
type AppendListener func(models.MessageRecord)

// Log is one channel's message log. All methods are safe for concurrent
// use — inbound push events and outbound send acks can race, so every
// mutation is serialized behind one mutex per log.
type Log struct {
	mu        sync.RWMutex
	records   []models.MessageRecord
	ids       map[string]struct{}
	listeners []AppendListener
}

func New() *Log {
	return &Log{
		ids: make(map[string]struct{}),
	}
}

// Append inserts rec at its sorted position if its ID is not already
// present. Re-appending a known ID is a silent no-op; it reports false so
// callers can count duplicates for diagnostics.
func (l *Log) Append(rec models.MessageRecord) bool {
	l.mu.Lock()

	if _, dup := l.ids[rec.ID]; dup {
		l.mu.Unlock()
		return false
	}
	l.ids[rec.ID] = struct{}{}

	// Records usually arrive in order, so check the tail before paying
	// for a binary search.
	n := len(l.records)
	if n == 0 || l.records[n-1].Before(rec) {
		l.records = append(l.records, rec)
	} else {
		i := sort.Search(n, func(i int) bool {
			return rec.Before(l.records[i])
		})
		l.records = append(l.records, models.MessageRecord{})
		copy(l.records[i+1:], l.records[i:])
		l.records[i] = rec
	}

	listeners := l.listeners
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(rec)
	}
	return true
}

// MergeBacklog applies Append for every record in the backlog. A history
// fetch arriving after live events have already been buffered reconciles
// here without duplicates or reordering surprises. It returns the number
// of records that were actually new.
func (l *Log) MergeBacklog(records []models.MessageRecord) int {
	added := 0
	for _, rec := range records {
		if l.Append(rec) {
			added++
		}
	}
	return added
}

// Snapshot returns a copy of the current ordered sequence. Callers own
// the returned slice and may not reach back into the log through it.
func (l *Log) Snapshot() []models.MessageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.MessageRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of records currently in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Contains reports whether a record with the given id has been appended.
func (l *Log) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[id]
	return ok
}

// OnAppend registers a listener for accepted records. Used by the
// notification dispatcher to watch channels it cares about.
func (l *Log) OnAppend(fn AppendListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}
