package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

type snapshotCollector struct {
	mu    sync.Mutex
	books []models.BookSnapshot
}

func (c *snapshotCollector) sink(_ context.Context, snap models.BookSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books = append(c.books, snap)
}

func (c *snapshotCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.books)
}

func (c *snapshotCollector) last() models.BookSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.books[len(c.books)-1]
}

func TestDepthStream_AppliesDeltasAndEmits(t *testing.T) {
	upgrader := websocket.Upgrader{}
	frames := []string{
		`{"U": 101, "u": 102, "b": [["34000.0", "2.0"]], "a": [["34001.0", "1.0"]]}`,
		`{"U": 103, "u": 104, "b": [["33999.0", "1.0"]], "a": []}`,
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, frame := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	fetch := func(ctx context.Context, symbol string) (Snapshot, error) {
		return Snapshot{
			LastUpdateID: 100,
			Bids:         []models.PriceLevel{{Price: 34000, Size: 1}},
			Asks:         []models.PriceLevel{{Price: 34001, Size: 2}},
		}, nil
	}
	tracker := NewDepthTracker("binance_spot", fetch, nil)
	collector := &snapshotCollector{}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	stream := NewDepthStream("binance_spot", "BTC/USDT", wsURL, tracker, collector.sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	// Initial snapshot emit plus one per applied delta.
	require.Eventually(t, func() bool { return collector.count() >= 3 }, 2*time.Second, 10*time.Millisecond)

	last := collector.last()
	assert.Equal(t, "binance_spot", last.Source)
	assert.Equal(t, "BTC/USDT", last.Instrument)
	require.NotNil(t, last.Sequence)
	assert.Equal(t, int64(104), *last.Sequence)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
}

func TestConsume_ReleasesWatcherGoroutineBetweenRedials(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.Close()
	}))
	t.Cleanup(ts.Close)

	fetch := func(ctx context.Context, symbol string) (Snapshot, error) {
		return Snapshot{LastUpdateID: 1}, nil
	}
	tracker := NewDepthTracker("binance_spot", fetch, nil)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	stream := NewDepthStream("binance_spot", "BTC/USDT", wsURL, tracker, nil)

	ctx := context.Background()
	before := runtime.NumGoroutine()
	for i := 0; i < 10; i++ {
		require.Error(t, stream.consume(ctx))
	}

	// Each consume must reap its connection watcher; goroutines do
	// not accumulate across redials.
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDepthStream_Path(t *testing.T) {
	stream := NewDepthStream("binance_spot", "BTC/USDT", DefaultStreamURL, nil, nil)
	assert.Equal(t, "/ws/btcusdt@depth", stream.streamPath())
}
