package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/tailbridge/source"
)

// Status is the lifecycle position of one row
type Status int

const (
	StatusRead Status = iota
	StatusExtracting
	StatusPublishing
	StatusPublishedAck
	StatusPublishFailed
	StatusSuccess
	StatusFailure
	StatusMalformed
)

var statusNames = map[Status]string{
	StatusRead:          "read",
	StatusExtracting:    "extracting",
	StatusPublishing:    "publishing",
	StatusPublishedAck:  "published_ack",
	StatusPublishFailed: "publish_failed",
	StatusSuccess:       "success",
	StatusFailure:       "failure",
	StatusMalformed:     "malformed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusMalformed
}

var transitions = map[Status][]Status{
	StatusRead:          {StatusExtracting},
	StatusExtracting:    {StatusPublishing, StatusMalformed},
	StatusPublishing:    {StatusPublishedAck, StatusPublishFailed},
	StatusPublishedAck:  {StatusSuccess},
	StatusPublishFailed: {StatusPublishing, StatusFailure},
}

// ErrInvalidTransition is returned for a transition the state machine does not allow
var ErrInvalidTransition = errors.New("invalid state transition")

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition records when a status was entered
type Transition struct {
	Status Status    `json:"-"`
	Name   string    `json:"status"`
	At     time.Time `json:"at"`
}

// EventState is the lifecycle record of one row. Only the processor handling
// the row mutates it; readers get copies.
type EventState struct {
	mu sync.RWMutex

	seq       uint64
	row       source.Row
	rowID     string
	watermark time.Time

	status    Status
	history   []Transition
	messageID string
	err       error
	attempts  int
}

// NewEventState creates a state in StatusRead
func NewEventState(seq uint64, row source.Row, rowID string, wm time.Time, at time.Time) *EventState {
	return &EventState{
		seq:       seq,
		row:       row,
		rowID:     rowID,
		watermark: wm,
		status:    StatusRead,
		history:   []Transition{{Status: StatusRead, Name: StatusRead.String(), At: at}},
	}
}

// Transition moves to the given status, or returns ErrInvalidTransition
// without changing anything.
func (s *EventState) Transition(to Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to, at)
}

func (s *EventState) transitionLocked(to Status, at time.Time) error {
	if !CanTransition(s.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, to)
	}
	s.status = to
	s.history = append(s.history, Transition{Status: to, Name: to.String(), At: at})
	if to == StatusPublishing {
		s.attempts++
	}
	return nil
}

// Ack records a broker acknowledgement
func (s *EventState) Ack(messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StatusPublishedAck, at); err != nil {
		return err
	}
	s.messageID = messageID
	return nil
}

// Fail records an error and moves to the given failure status
func (s *EventState) Fail(to Status, err error, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(to, at); err != nil {
		return err
	}
	s.err = err
	return nil
}

func (s *EventState) Seq() uint64 {
	return s.seq
}

func (s *EventState) Row() source.Row {
	return s.row
}

func (s *EventState) RowID() string {
	return s.rowID
}

func (s *EventState) Watermark() time.Time {
	return s.watermark
}

func (s *EventState) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *EventState) MessageID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messageID
}

func (s *EventState) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Attempts returns how many times the row entered Publishing
func (s *EventState) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// History returns a copy of the recorded transitions
func (s *EventState) History() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]Transition, len(s.history))
	copy(cp, s.history)
	return cp
}

// ReadAt returns when the row was read
func (s *EventState) ReadAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history[0].At
}

// StateView is a serializable copy of an EventState
type StateView struct {
	RowID     string       `json:"row_id"`
	Watermark string       `json:"watermark"`
	Status    string       `json:"status"`
	Attempts  int          `json:"attempts"`
	MessageID string       `json:"message_id,omitempty"`
	Error     string       `json:"error,omitempty"`
	History   []Transition `json:"history"`
}

// View returns a consistent copy for display
func (s *EventState) View() StateView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := StateView{
		RowID:     s.rowID,
		Watermark: source.CanonicalTimestamp(s.watermark),
		Status:    s.status.String(),
		Attempts:  s.attempts,
		MessageID: s.messageID,
		History:   make([]Transition, len(s.history)),
	}
	copy(v.History, s.history)
	if s.err != nil {
		v.Error = s.err.Error()
	}
	return v
}
