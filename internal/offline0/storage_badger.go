package offline0

import (
	"errors"

	badger "github.com/dgraph-io/badger/v4"
)

type badgerKV struct {
	db *badger.DB
}

func openBadgerKV(path string) (*badgerKV, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerKV{db: db}, nil
}

func (b *badgerKV) get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errKVNotFound
	}
	return out, err
}

// write runs in a single transaction. Manifests large enough to hit
// badger.ErrTxnTooBig fail the install rather than landing partially.
func (b *badgerKV) write(puts []kvPair, dels [][]byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, p := range puts {
			if err := txn.Set(p.key, p.val); err != nil {
				return err
			}
		}
		for _, k := range dels {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerKV) scan(prefix []byte, fn func(key, val []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerKV) close() error {
	return b.db.Close()
}
