package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
	"chatrelay/internal/database"
	"chatrelay/internal/model"
)

func TestMain(m *testing.M) {
	// プロジェクトルートの.envを読み込み
	_ = godotenv.Load("../../.env")
	os.Exit(m.Run())
}

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func factories() []storeFactory {
	return []storeFactory{
		{name: "memory", open: func(t *testing.T) Store { return NewMemory() }},
		{name: "sqlite", open: func(t *testing.T) Store {
			return openSQLite(t, filepath.Join(t.TempDir(), "messages.db"))
		}},
		{name: "badger", open: func(t *testing.T) Store {
			s, err := OpenBadgerInMemory()
			require.NoError(t, err)
			return s
		}},
		{name: "external", open: openExternalSQL},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func openSQLite(t *testing.T, path string) Store {
	t.Helper()
	cfg := config.Config{StoreDriver: config.DriverSQLite, SQLitePath: path}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	return s
}

// openExternalSQL テスト用の MySQL / PostgreSQL 接続をセットアップ
func openExternalSQL(t *testing.T) Store {
	t.Helper()

	host := os.Getenv("DB_HOST")
	if host == "" {
		t.Skip("Skipping: DB_HOST not set")
	}

	driver := os.Getenv("TEST_SQL_DRIVER")
	if driver == "" {
		driver = config.DriverMySQL
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "3306"
		if driver == config.DriverPostgres {
			port = "5432"
		}
	}

	cfg := config.Config{
		StoreDriver: driver,
		DBHost:      host,
		DBPort:      port,
		DBUser:      os.Getenv("DB_USER"),
		DBPassword:  os.Getenv("DB_PASSWORD"),
		DBName:      os.Getenv("DB_NAME"),
		DBSSLMode:   "disable",
	}

	ctx := context.Background()
	db, err := database.Init(ctx, cfg)
	if err != nil {
		t.Skipf("Skipping: could not connect to test database: %v", err)
	}

	// テストデータをクリア
	_, err = db.ExecContext(ctx, "DELETE FROM messages")
	require.NoError(t, err)

	s, err := NewSQL(ctx, db, driver)
	require.NoError(t, err)
	return s
}

func TestAppend_AssignsIDAndTimestamp(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		before := time.Now().UTC().Add(-time.Second)

		msg, err := s.Append(ctx, "alice", "hi")
		require.NoError(t, err)

		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "alice", msg.Sender)
		assert.Equal(t, "hi", msg.Content)
		assert.True(t, msg.Timestamp.After(before), "timestamp %v should be recent", msg.Timestamp)
		assert.Equal(t, time.UTC, msg.Timestamp.Location())

		all, err := s.ListAll(ctx, Ascending)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, msg.ID, all[0].ID)
		assert.True(t, msg.Timestamp.Equal(all[0].Timestamp))
	})
}

func TestAppend_RejectsInvalidWithoutMutation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Append(ctx, "", "hi")
		require.Error(t, err)
		assert.True(t, model.IsValidationError(err))
		assert.False(t, IsStorageError(err))

		_, err = s.Append(ctx, "alice", "   ")
		assert.True(t, model.IsValidationError(err))

		// 前後の空白も長さに含める
		_, err = s.Append(ctx, "a"+strings.Repeat(" ", 500), "hi")
		assert.True(t, model.IsValidationError(err))

		_, err = s.Append(ctx, "alice", "x"+strings.Repeat(" ", 100000))
		assert.True(t, model.IsValidationError(err))

		all, err := s.ListAll(ctx, Ascending)
		require.NoError(t, err)
		assert.Empty(t, all)
		assert.NotNil(t, all)
	})
}

func TestAppend_UniqueIDsAndNonDecreasingTimestamps(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seen := map[string]bool{}
		var prev time.Time
		for i := 0; i < 20; i++ {
			msg, err := s.Append(ctx, "alice", fmt.Sprintf("m%d", i))
			require.NoError(t, err)
			assert.False(t, seen[msg.ID], "duplicate id %s", msg.ID)
			seen[msg.ID] = true
			assert.False(t, msg.Timestamp.Before(prev))
			prev = msg.Timestamp
		}
	})
}

func TestListAll_Order(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, c := range []string{"one", "two", "three"} {
			_, err := s.Append(ctx, "bob", c)
			require.NoError(t, err)
		}

		asc, err := s.ListAll(ctx, Ascending)
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two", "three"}, contents(asc))

		desc, err := s.ListAll(ctx, Descending)
		require.NoError(t, err)
		assert.Equal(t, []string{"three", "two", "one"}, contents(desc))
	})
}

func TestListRecent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		empty, err := s.ListRecent(ctx, 50)
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)

		for i := 1; i <= 51; i++ {
			_, err := s.Append(ctx, "alice", fmt.Sprintf("#%d", i))
			require.NoError(t, err)
		}

		recent, err := s.ListRecent(ctx, 50)
		require.NoError(t, err)
		require.Len(t, recent, 50)
		assert.Equal(t, "#2", recent[0].Content)
		assert.Equal(t, "#51", recent[49].Content)

		// 常に ListAll(Ascending) の末尾と一致する
		all, err := s.ListAll(ctx, Ascending)
		require.NoError(t, err)
		assert.Equal(t, all[len(all)-50:], recent)

		few, err := s.ListRecent(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"#49", "#50", "#51"}, contents(few))

		none, err := s.ListRecent(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestAppend_ConcurrentKeepsOrderConsistent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 5; j++ {
					_, err := s.Append(ctx, fmt.Sprintf("w%d", i), fmt.Sprintf("%d", j))
					assert.NoError(t, err)
				}
			}(i)
		}
		wg.Wait()

		all, err := s.ListAll(ctx, Ascending)
		require.NoError(t, err)
		require.Len(t, all, 50)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp), "timestamps out of insertion order at %d", i)
		}
	})
}

func TestSQLite_DurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.db")
	ctx := context.Background()

	s := openSQLite(t, path)
	first, err := s.Append(ctx, "alice", "persisted")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openSQLite(t, path)
	defer s.Close()

	all, err := s.ListAll(ctx, Ascending)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first, all[0])

	second, err := s.Append(ctx, "bob", "after restart")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, second.Timestamp.Before(first.Timestamp))
}

func TestBadger_DurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadger(dir)
	require.NoError(t, err)
	first, err := s.Append(ctx, "alice", "persisted")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBadger(dir)
	require.NoError(t, err)
	defer s.Close()

	all, err := s.ListAll(ctx, Ascending)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first, all[0])

	second, err := s.Append(ctx, "bob", "after restart")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	all, err = s.ListAll(ctx, Ascending)
	require.NoError(t, err)
	assert.Equal(t, []string{"persisted", "after restart"}, contents(all))
}

func TestSQL_ClosedDatabaseReportsStorageError(t *testing.T) {
	s := openSQLite(t, filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, s.Close())

	_, err := s.Append(context.Background(), "alice", "hi")
	require.Error(t, err)
	assert.True(t, IsStorageError(err))

	_, err = s.ListRecent(context.Background(), 10)
	assert.True(t, IsStorageError(err))
}

func TestClock_NeverGoesBackwards(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	c := &clock{now: func() time.Time { return now }}

	first := c.next()
	now = base.Add(-time.Hour)
	second := c.next()

	assert.Equal(t, first, second)
}

func TestParseOrder(t *testing.T) {
	o, err := ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, Ascending, o)

	o, err = ParseOrder("desc")
	require.NoError(t, err)
	assert.Equal(t, Descending, o)

	_, err = ParseOrder("random")
	assert.Error(t, err)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.Config{StoreDriver: "mongo"})
	assert.Error(t, err)
}

func contents(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
