package server

import (
	"encoding/binary"
	"errors"

	mux "github.com/cbeuw/go-mplex/internal/multiplex"
	bolt "go.etcd.io/bbolt"
)

var u64 = binary.BigEndian.Uint64

func i64ToB(value int64) []byte {
	oct := make([]byte, 8)
	binary.BigEndian.PutUint64(oct, uint64(value))
	return oct
}

var trafficBucket = []byte("traffic")

var ErrConnNotFound = errors.New("connection tag not found")

// TrafficLedger persists per-connection rx/tx byte totals across restarts.
// Each connection tag maps to 16 bytes: accumulated rx followed by
// accumulated tx.
type TrafficLedger struct {
	db *bolt.DB
}

func MakeTrafficLedger(dbPath string) (*TrafficLedger, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(trafficBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &TrafficLedger{db: db}, nil
}

// Record adds rx and tx to the stored totals for tag.
func (ledger *TrafficLedger) Record(tag string, rx, tx int64) error {
	return ledger.db.Update(func(btx *bolt.Tx) error {
		bucket := btx.Bucket(trafficBucket)
		var oldRx, oldTx int64
		if existing := bucket.Get([]byte(tag)); existing != nil {
			oldRx = int64(u64(existing[0:8]))
			oldTx = int64(u64(existing[8:16]))
		}
		record := append(i64ToB(oldRx+rx), i64ToB(oldTx+tx)...)
		return bucket.Put([]byte(tag), record)
	})
}

// Get returns the stored totals for tag.
func (ledger *TrafficLedger) Get(tag string) (rx, tx int64, err error) {
	err = ledger.db.View(func(btx *bolt.Tx) error {
		existing := btx.Bucket(trafficBucket).Get([]byte(tag))
		if existing == nil {
			return ErrConnNotFound
		}
		rx = int64(u64(existing[0:8]))
		tx = int64(u64(existing[8:16]))
		return nil
	})
	return
}

// Tags lists every connection tag the ledger has seen.
func (ledger *TrafficLedger) Tags() ([]string, error) {
	var tags []string
	err := ledger.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(trafficBucket).ForEach(func(k, _ []byte) error {
			tags = append(tags, string(k))
			return nil
		})
	})
	return tags, err
}

// Collect drains a connection's valve counters into the ledger. Meant to be
// called periodically and once more when the connection ends.
func (ledger *TrafficLedger) Collect(tag string, valve *mux.Valve) error {
	rx, tx := valve.Nullify()
	if rx == 0 && tx == 0 {
		return nil
	}
	return ledger.Record(tag, rx, tx)
}

func (ledger *TrafficLedger) Close() error {
	return ledger.db.Close()
}
