package pipeline

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/tailbridge/cfg"
)

// ErrNotBlocked is returned by Skip when no blocked row has the given id
var ErrNotBlocked = errors.New("row is not blocked")

// BlockedRow is a terminal non-success row holding the checkpoint back
type BlockedRow struct {
	Seq       uint64    `json:"seq"`
	RowID     string    `json:"row_id"`
	Watermark time.Time `json:"watermark"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Since     time.Time `json:"since"`
}

// mark counts rows at one watermark that still hold the checkpoint back
type mark struct {
	wm      time.Time
	pending int
	blocked int
}

func (m *mark) clear() bool {
	return m.pending == 0 && m.blocked == 0
}

// Tracker decides how far the checkpoint may advance. The safe checkpoint is
// the largest read watermark V such that every row at or below V is terminal
// and not blocked. It never moves backwards.
type Tracker struct {
	mu sync.Mutex

	malformedPolicy string
	failurePolicy   string

	marks   []*mark // ascending by watermark
	blocked map[uint64]BlockedRow

	highRead time.Time
	safe     time.Time
	hasSafe  bool
}

// NewTracker creates a tracker starting at the persisted checkpoint, if any
func NewTracker(start time.Time, hasStart bool, malformedPolicy, failurePolicy string) *Tracker {
	if malformedPolicy == "" {
		malformedPolicy = cfg.PolicySkip
	}
	if failurePolicy == "" {
		failurePolicy = cfg.PolicyBlock
	}
	t := &Tracker{
		malformedPolicy: malformedPolicy,
		failurePolicy:   failurePolicy,
		blocked:         make(map[uint64]BlockedRow),
	}
	if hasStart {
		t.safe = start.UTC()
		t.hasSafe = true
		t.highRead = t.safe
	}
	return t
}

// find returns the index of wm in marks and whether it exists
func (t *Tracker) find(wm time.Time) (int, bool) {
	i := sort.Search(len(t.marks), func(i int) bool {
		return !t.marks[i].wm.Before(wm)
	})
	return i, i < len(t.marks) && t.marks[i].wm.Equal(wm)
}

// Track registers a non-terminal row at wm
func (t *Tracker) Track(wm time.Time) {
	wm = wm.UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.find(wm)
	if !ok {
		t.marks = append(t.marks, nil)
		copy(t.marks[i+1:], t.marks[i:])
		t.marks[i] = &mark{wm: wm}
	}
	t.marks[i].pending++
}

// MarkRead records that every row up to high has been read
func (t *Tracker) MarkRead(high time.Time) {
	high = high.UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	if high.After(t.highRead) {
		t.highRead = high
	}
}

// Blocks reports whether a terminal status holds the checkpoint under the policies
func (t *Tracker) Blocks(status Status) bool {
	switch status {
	case StatusFailure:
		return t.failurePolicy == cfg.PolicyBlock
	case StatusMalformed:
		return t.malformedPolicy == cfg.PolicyBlock
	}
	return false
}

// Releasing returns the terminal status names that can move the checkpoint
// under the policies
func (t *Tracker) Releasing() []string {
	out := []string{StatusSuccess.String()}
	for _, status := range []Status{StatusFailure, StatusMalformed} {
		if !t.Blocks(status) {
			out = append(out, status.String())
		}
	}
	return out
}

// Resolve settles a tracked row with its terminal outcome. It returns true
// when the row now blocks the checkpoint.
func (t *Tracker) Resolve(state *EventState, at time.Time) bool {
	wm := state.Watermark().UTC()
	status := state.Status()
	block := t.Blocks(status)

	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.find(wm)
	if !ok || t.marks[i].pending == 0 {
		return false
	}
	t.marks[i].pending--

	if block {
		t.marks[i].blocked++
		row := BlockedRow{
			Seq:       state.Seq(),
			RowID:     state.RowID(),
			Watermark: wm,
			Status:    status.String(),
			Since:     at,
		}
		if err := state.Err(); err != nil {
			row.Reason = err.Error()
		}
		t.blocked[state.Seq()] = row
	}
	return block
}

// Skip releases every blocked row with the given id
func (t *Tracker) Skip(rowID string) ([]BlockedRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var released []BlockedRow
	for seq, row := range t.blocked {
		if row.RowID != rowID {
			continue
		}
		if i, ok := t.find(row.Watermark); ok && t.marks[i].blocked > 0 {
			t.marks[i].blocked--
		}
		delete(t.blocked, seq)
		released = append(released, row)
	}

	if len(released) == 0 {
		return nil, ErrNotBlocked
	}
	sort.Slice(released, func(i, j int) bool { return released[i].Seq < released[j].Seq })
	return released, nil
}

// Advance folds clear watermarks into the safe checkpoint and returns it.
// ok is false while nothing has ever been safe.
func (t *Tracker) Advance() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, m := range t.marks {
		if !m.clear() || m.wm.After(t.highRead) {
			break
		}
		// a zero watermark is never a resumable position
		if !m.wm.IsZero() && (!t.hasSafe || m.wm.After(t.safe)) {
			t.safe = m.wm
			t.hasSafe = true
		}
		n++
	}
	if n > 0 {
		t.marks = append(t.marks[:0], t.marks[n:]...)
	}

	return t.safe, t.hasSafe
}

// SafeCheckpoint returns the last value computed by Advance
func (t *Tracker) SafeCheckpoint() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.safe, t.hasSafe
}

// Pending returns the number of tracked rows not yet terminal
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, m := range t.marks {
		n += m.pending
	}
	return n
}

// Blocked returns the blocked rows ordered by watermark
func (t *Tracker) Blocked() []BlockedRow {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]BlockedRow, 0, len(t.blocked))
	for _, row := range t.blocked {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Watermark.Equal(out[j].Watermark) {
			return out[i].Watermark.Before(out[j].Watermark)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}
