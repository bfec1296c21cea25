// Package attendance records the last check-in of each enrolled identity.
package attendance

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownIdentity is returned when checking in a name that was never enrolled.
var ErrUnknownIdentity = errors.New("unknown identity")

// Status values derived from ledger presence.
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
)

// Directory is the set of enrolled names. *identity.Store satisfies it.
type Directory interface {
	Has(name string) bool
	Names() []string
}

// Entry is one row of the attendance view.
type Entry struct {
	Name        string
	LastCheckIn *time.Time
	Status      string
}

// MarshalJSON renders a missing check-in as "never".
func (e Entry) MarshalJSON() ([]byte, error) {
	last := "never"
	if e.LastCheckIn != nil {
		last = e.LastCheckIn.Format(time.RFC3339)
	}
	return json.Marshal(struct {
		Name        string `json:"name"`
		LastCheckIn string `json:"last_check_in"`
		Status      string `json:"status"`
	}{e.Name, last, e.Status})
}

// Report is the derived read-only view over directory and ledger.
type Report struct {
	Entries        []Entry
	TotalUsers     int
	CheckedInToday int
}

// Ledger maps name to last check-in time.
type Ledger struct {
	dir Directory

	mu   sync.RWMutex
	last map[string]time.Time
}

// NewLedger creates an empty ledger validating names against dir.
func NewLedger(dir Directory) *Ledger {
	return &Ledger{dir: dir, last: make(map[string]time.Time)}
}

// CheckIn upserts the last check-in for name.
func (l *Ledger) CheckIn(name string, at time.Time) error {
	if !l.dir.Has(name) {
		return fmt.Errorf("%w: %q", ErrUnknownIdentity, name)
	}
	l.mu.Lock()
	l.last[name] = at
	l.mu.Unlock()
	return nil
}

// Last returns the last check-in for name.
func (l *Ledger) Last(name string) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.last[name]
	return t, ok
}

// Snapshot lists every enrolled identity once, in enrollment order.
// CheckedInToday counts check-ins on now's calendar day in now's location.
func (l *Ledger) Snapshot(now time.Time) Report {
	names := l.dir.Names()
	y, m, d := now.Date()

	l.mu.RLock()
	defer l.mu.RUnlock()

	rep := Report{Entries: make([]Entry, 0, len(names)), TotalUsers: len(names)}
	for _, name := range names {
		e := Entry{Name: name, Status: StatusAbsent}
		if t, ok := l.last[name]; ok {
			e.LastCheckIn = &t
			e.Status = StatusPresent
			ty, tm, td := t.In(now.Location()).Date()
			if ty == y && tm == m && td == d {
				rep.CheckedInToday++
			}
		}
		rep.Entries = append(rep.Entries, e)
	}
	return rep
}
