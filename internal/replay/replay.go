// Package replay streams historical trades and book snapshots back to
// a client at a configurable speed multiple of the original pacing.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexusfeed/nexusfeed/internal/models"
	"github.com/nexusfeed/nexusfeed/internal/persistence"
	"github.com/nexusfeed/nexusfeed/internal/publisher"
)

// replayTradeLimit caps how many trades a single session will load.
const replayTradeLimit = 10000

var (
	ErrSessionNotFound = errors.New("replay session not found")
	ErrInvalidSpeed    = errors.New("replay speed must be positive")
	ErrInvalidWindow   = errors.New("replay window end precedes start")
)

// Event is one element of the merged replay stream. Type is "trade"
// or "book"; the terminal element carries Type "replay_complete".
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Session describes one pending or running replay.
type Session struct {
	ID         string           `json:"session_id"`
	Instrument string           `json:"instrument"`
	Window     models.TimeRange `json:"window"`
	Speed      float64          `json:"speed"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Engine creates replay sessions and streams them from the store.
type Engine struct {
	repo *persistence.Repository

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewEngine(repo *persistence.Repository) *Engine {
	return &Engine{
		repo:     repo,
		sessions: make(map[string]*Session),
	}
}

// CreateSession registers a session and returns it. Speed zero means
// original pacing; negative speeds are rejected.
func (e *Engine) CreateSession(instrument string, window models.TimeRange, speed float64) (*Session, error) {
	if speed < 0 {
		return nil, ErrInvalidSpeed
	}
	if speed == 0 {
		speed = 1.0
	}
	if window.To.Before(window.From) {
		return nil, ErrInvalidWindow
	}
	sess := &Session{
		ID:         uuid.NewString(),
		Instrument: instrument,
		Window:     window,
		Speed:      speed,
		CreatedAt:  time.Now().UTC(),
	}
	e.mu.Lock()
	e.sessions[sess.ID] = sess
	e.mu.Unlock()
	return sess, nil
}

func (e *Engine) GetSession(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[id]
	return sess, ok
}

func (e *Engine) RemoveSession(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, id)
}

// Sessions returns the ids of all registered sessions.
func (e *Engine) Sessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Stream loads the session's window, merges trades and snapshots into
// one time-ordered stream and delivers it to sink, sleeping the scaled
// inter-event gap between sends. The session is removed when the
// stream ends, errors or is cancelled. Query failures surface to the
// sink as an error event before terminating.
func (e *Engine) Stream(ctx context.Context, id string, sink publisher.Client) error {
	sess, ok := e.GetSession(id)
	if !ok {
		return ErrSessionNotFound
	}
	defer e.RemoveSession(id)

	events, err := e.load(ctx, sess)
	if err != nil {
		log.Error().Err(err).Str("session", id).Msg("replay query failed")
		_ = sink.Send(map[string]string{"error": "replay query failed"})
		return err
	}

	var prev time.Time
	for i, ev := range events {
		if i > 0 {
			gap := time.Duration(float64(ev.Timestamp.Sub(prev)) / sess.Speed)
			if gap > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(gap):
				}
			}
		}
		prev = ev.Timestamp
		if err := sink.Send(ev); err != nil {
			return fmt.Errorf("replay send: %w", err)
		}
	}
	return sink.Send(Event{Type: "replay_complete", Timestamp: sess.Window.To})
}

func (e *Engine) load(ctx context.Context, sess *Session) ([]Event, error) {
	trades, err := e.repo.Trades.ListByInstrument(ctx, sess.Instrument, sess.Window, replayTradeLimit)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	snaps, err := e.repo.Snapshots.ListByInstrument(ctx, sess.Instrument, sess.Window)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	events := make([]Event, 0, len(trades)+len(snaps))
	for _, t := range trades {
		events = append(events, Event{Type: "trade", Timestamp: t.Timestamp, Data: t})
	}
	for _, s := range snaps {
		events = append(events, Event{Type: "book", Timestamp: s.Timestamp, Data: s})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}
