package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"

	"chatrelay/internal/model"
)

const (
	msgPrefix = "msg:"
	seqKey    = "seq:msg"
)

// Badger stores messages under "msg:{seq}" with the sequence zero padded to
// 20 digits, so lexicographic key order is insertion order.
type Badger struct {
	mu    sync.Mutex
	db    *badger.DB
	seq   *badger.Sequence
	clock *clock
}

type badgerRecord struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// OpenBadger opens (or creates) a Badger store at path. Writes are synced
// before Append returns.
func OpenBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLoggingLevel(badger.ERROR)
	return openBadger(opts)
}

// OpenBadgerInMemory opens a Badger store that is never written to disk.
func OpenBadgerInMemory() (*Badger, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*Badger, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, storageErr("open", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), 100)
	if err != nil {
		db.Close()
		return nil, storageErr("open sequence", err)
	}

	b := &Badger{db: db, seq: seq, clock: newClock()}

	last, err := b.ListRecent(context.Background(), 1)
	if err != nil {
		seq.Release()
		db.Close()
		return nil, err
	}
	if len(last) == 1 {
		b.clock.observe(last[0].Timestamp)
	}
	return b, nil
}

func msgKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", msgPrefix, n))
}

func (b *Badger) Append(_ context.Context, sender, content string) (model.Message, error) {
	if err := model.Validate(model.Draft{Sender: sender, Content: content}); err != nil {
		return model.Message{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.seq.Next()
	if err != nil {
		return model.Message{}, storageErr("append", err)
	}
	// Badger sequences start at 0; ids start at 1 like the SQL backends.
	n++

	ts := b.clock.next()
	value, err := json.Marshal(badgerRecord{Sender: sender, Content: content, CreatedAt: ts.UnixNano()})
	if err != nil {
		return model.Message{}, storageErr("append", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(msgKey(n), value)
	})
	if err != nil {
		return model.Message{}, storageErr("append", err)
	}

	return model.Message{
		ID:        strconv.FormatUint(n, 10),
		Sender:    sender,
		Content:   content,
		Timestamp: ts,
	}, nil
}

func (b *Badger) ListAll(_ context.Context, order Order) ([]model.Message, error) {
	msgs, err := b.scan(order == Descending, 0)
	if err != nil {
		return nil, storageErr("list all", err)
	}
	return nonNil(msgs), nil
}

func (b *Badger) ListRecent(_ context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}
	msgs, err := b.scan(true, limit)
	if err != nil {
		return nil, storageErr("list recent", err)
	}
	return nonNil(lo.Reverse(msgs)), nil
}

// scan walks the msg: prefix, newest first when reverse is set, stopping
// after limit entries when limit > 0.
func (b *Badger) scan(reverse bool, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(msgPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix
		if reverse {
			// 0xFF はどの桁よりも大きいので末尾から逆走査できる
			seek = append([]byte(msgPrefix), 0xFF)
		}

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(msgs) == limit {
				break
			}
			item := it.Item()
			id, err := strconv.ParseUint(string(item.Key()[len(prefix):]), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt key %q: %w", item.Key(), err)
			}

			var rec badgerRecord
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			msgs = append(msgs, model.Message{
				ID:        strconv.FormatUint(id, 10),
				Sender:    rec.Sender,
				Content:   rec.Content,
				Timestamp: timeFromNanos(rec.CreatedAt),
			})
		}
		return nil
	})
	return msgs, err
}

func (b *Badger) Close() error {
	return errors.Join(b.seq.Release(), b.db.Close())
}
