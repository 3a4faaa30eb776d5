package offline0

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type levelKV struct {
	db *leveldb.DB
}

func openLevelKV(path string) (*levelKV, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &levelKV{db: db}, nil
}

func (l *levelKV) get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, errKVNotFound
	}
	return v, err
}

func (l *levelKV) write(puts []kvPair, dels [][]byte) error {
	batch := new(leveldb.Batch)
	for _, p := range puts {
		batch.Put(p.key, p.val)
	}
	for _, k := range dels {
		batch.Delete(k)
	}
	return l.db.Write(batch, nil)
}

func (l *levelKV) scan(prefix []byte, fn func(key, val []byte) error) error {
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		// iterator buffers are reused between steps
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

func (l *levelKV) close() error {
	return l.db.Close()
}
