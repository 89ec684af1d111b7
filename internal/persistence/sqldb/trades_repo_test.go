package sqldb

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

type recordingObserver struct {
	mu         sync.Mutex
	flushed    []int
	operations []string
}

func (o *recordingObserver) TradesFlushed(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushed = append(o.flushed, n)
}

func (o *recordingObserver) ObserveWriteLatency(operation string, _ float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.operations = append(o.operations, operation)
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func sampleTrade(id string) models.Trade {
	side := "buy"
	return models.Trade{
		Source:     "binance_spot",
		Instrument: "BTC/USDT",
		TradeID:    &id,
		Price:      34000.5,
		Size:       0.01,
		Side:       &side,
		Timestamp:  time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFlushCommitsBatchInOneTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	obs := &recordingObserver{}

	// Interval and size chosen so only the explicit Flush runs.
	repo := NewTradesRepo(db, time.Second, 1000, time.Hour, obs)
	defer repo.Close(context.Background())

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO trades")
	for i := 0; i < 3; i++ {
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(int64(i+1), 1))
	}
	mock.ExpectCommit()

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, repo.Insert(context.Background(), sampleTrade(id)))
	}
	require.Equal(t, 3, repo.Pending())

	require.NoError(t, repo.Flush(context.Background()))
	assert.Equal(t, 0, repo.Pending())
	assert.Equal(t, []int{3}, obs.flushed)
	assert.Equal(t, []string{"trade_flush"}, obs.operations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushFailureRetainsBatch(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradesRepo(db, time.Second, 1000, time.Hour, nil)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	require.NoError(t, repo.Insert(context.Background(), sampleTrade("1")))
	require.NoError(t, repo.Insert(context.Background(), sampleTrade("2")))

	err := repo.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, repo.Pending())

	// A later successful flush drains the retained batch.
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO trades")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Flush(context.Background()))
	assert.Equal(t, 0, repo.Pending())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushFailureCapsRetainedBacklog(t *testing.T) {
	db, mock := newMockDB(t)
	// No background flusher: only the explicit Flush below runs.
	repo := &TradesRepo{db: db, timeout: time.Second, batchSize: 2}

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	for i := 0; i < 30; i++ {
		require.NoError(t, repo.Insert(context.Background(), sampleTrade(strconv.Itoa(i))))
	}

	require.Error(t, repo.Flush(context.Background()))
	assert.Equal(t, 2*retainFactor, repo.Pending())

	// The oldest trades are the ones dropped.
	repo.mu.Lock()
	oldest := repo.batch[0]
	repo.mu.Unlock()
	require.NotNil(t, oldest.TradeID)
	assert.Equal(t, "10", *oldest.TradeID)
}

func TestCloseFlushesResidualBatch(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradesRepo(db, time.Second, 1000, time.Hour, nil)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO trades")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Insert(context.Background(), sampleTrade("42")))
	require.NoError(t, repo.Close(context.Background()))
	assert.Equal(t, 0, repo.Pending())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchSizeWakesFlusher(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradesRepo(db, time.Second, 2, time.Hour, nil)
	defer repo.Close(context.Background())

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO trades")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Insert(context.Background(), sampleTrade("1")))
	require.NoError(t, repo.Insert(context.Background(), sampleTrade("2")))

	assert.Eventually(t, func() bool {
		return repo.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond, "size-triggered flush did not run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByInstrument(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradesRepo(db, time.Second, 1000, time.Hour, nil)
	defer repo.Close(context.Background())

	ts := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "source", "instrument", "trade_id", "price", "size", "side", "ts", "received_at"}).
		AddRow(1, "binance_spot", "BTC/USDT", "a", 34000.5, 0.01, "buy", ts, ts).
		AddRow(2, "binance_spot", "BTC/USDT", "b", 34001.0, 0.02, "sell", ts.Add(time.Second), ts.Add(time.Second))
	mock.ExpectQuery("SELECT id, source, instrument").
		WithArgs("BTC/USDT", ts.Add(-time.Hour), ts.Add(time.Hour), 100).
		WillReturnRows(rows)

	trades, err := repo.ListByInstrument(context.Background(), "BTC/USDT", models.TimeRange{
		From: ts.Add(-time.Hour),
		To:   ts.Add(time.Hour),
	}, 100)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "BTC/USDT", trades[0].Instrument)
	require.NotNil(t, trades[1].Side)
	assert.Equal(t, "sell", *trades[1].Side)
}
