package binance

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

const (
	// DefaultStreamURL is the Binance spot combined-stream host.
	DefaultStreamURL = "wss://stream.binance.com:9443"

	streamReadTimeout = 90 * time.Second
	streamRedialDelay = 3 * time.Second
	streamRedialCap   = 60 * time.Second
)

// SnapshotSink receives each aggregated book the stream produces.
type SnapshotSink func(ctx context.Context, snap models.BookSnapshot)

// DepthStream maintains a live order book for one symbol from the
// websocket diff-depth feed, re-dialing and resyncing on failure.
type DepthStream struct {
	venue   string
	symbol  string
	baseURL string
	tracker *DepthTracker
	sink    SnapshotSink
	dialer  *websocket.Dialer
}

// NewDepthStream builds a stream for one symbol. The tracker's
// snapshot fetcher is called on connect and whenever the delta
// sequence breaks.
func NewDepthStream(venueName, symbol, baseURL string, tracker *DepthTracker, sink SnapshotSink) *DepthStream {
	return &DepthStream{
		venue:   venueName,
		symbol:  symbol,
		baseURL: baseURL,
		tracker: tracker,
		sink:    sink,
		dialer:  websocket.DefaultDialer,
	}
}

// streamPath converts "BTC/USDT" to "/ws/btcusdt@depth".
func (s *DepthStream) streamPath() string {
	return "/ws/" + strings.ToLower(strings.ReplaceAll(s.symbol, "/", "")) + "@depth"
}

// Run consumes the stream until ctx is cancelled. Connection failures
// redial with doubling delay; sequence gaps resync via the tracker
// without dropping the connection.
func (s *DepthStream) Run(ctx context.Context) {
	delay := streamRedialDelay
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).
				Str("venue", s.venue).
				Str("symbol", s.symbol).
				Dur("redial", delay).
				Msg("depth stream disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > streamRedialCap {
			delay = streamRedialCap
		}
	}
}

func (s *DepthStream) consume(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.baseURL+s.streamPath(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblocks the read loop on cancellation; done releases the
	// goroutine when this connection ends for any other reason.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := s.tracker.FetchSnapshot(ctx, s.symbol); err != nil {
		return err
	}
	s.emit(ctx)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(streamReadTimeout)); err != nil {
			return err
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var raw models.RawEvent
		if err := json.Unmarshal(payload, &raw); err != nil {
			log.Warn().Err(err).
				Str("venue", s.venue).
				Str("symbol", s.symbol).
				Msg("dropping undecodable depth frame")
			continue
		}
		delta, err := DeltaFromRaw(raw)
		if err != nil {
			continue
		}

		applied, err := s.tracker.ApplyDelta(ctx, s.symbol, delta)
		if err != nil {
			return err
		}
		if applied {
			s.emit(ctx)
		}
	}
}

func (s *DepthStream) emit(ctx context.Context) {
	if s.sink == nil {
		return
	}
	snap := s.tracker.Book(s.symbol)
	snap.Source = s.venue
	snap.Instrument = s.symbol
	snap.Timestamp = time.Now().UTC()
	s.sink(ctx, snap)
}
