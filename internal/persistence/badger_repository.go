package persistence

import (
	"encoding/json"

	"grid-trader-go/internal/models"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

// stateKey 唯一的状态对象存放在这个固定键下
var stateKey = []byte("engine_state")

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) the database at dbPath. An empty path opens an
// in-memory store.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	// 关闭 Badger 自带日志, 错误仍会从数据库操作中返回
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %q", dbPath)
	}
	return &badgerRepository{db: db}, nil
}

// SaveState marshals the state into JSON and saves it under the fixed key.
func (r *badgerRepository) SaveState(state *models.EngineState) error {
	if state == nil {
		return errors.New("nil state")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal engine state")
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey, data)
	})
}

// LoadState returns (nil, nil) when no state has been saved yet.
func (r *badgerRepository) LoadState() (*models.EngineState, error) {
	var state models.EngineState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load engine state")
	}
	return &state, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
