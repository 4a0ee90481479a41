package multiplex

import (
	"sync"
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve limits transmission rates over a multiplexer's transport and records
// usage. One Valve may be shared by several multiplexers belonging to the
// same consumer.
type Valve struct {
	rxtb atomic.Value // *ratelimit.Bucket
	txtb atomic.Value // *ratelimit.Bucket

	rx *int64
	tx *int64
}

func MakeValve(rxRate, txRate int64) *Valve {
	var rx, tx int64
	v := &Valve{
		rx: &rx,
		tx: &tx,
	}
	v.SetRxRate(rxRate)
	v.SetTxRate(txRate)
	return v
}

var UNLIMITED_VALVE = MakeValve(1<<63-1, 1<<63-1)

func (v *Valve) SetRxRate(rate int64) { v.rxtb.Store(ratelimit.NewBucketWithRate(float64(rate), rate)) }
func (v *Valve) SetTxRate(rate int64) { v.txtb.Store(ratelimit.NewBucketWithRate(float64(rate), rate)) }
func (v *Valve) rxWait(n int)         { v.rxtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) txWait(n int)         { v.txtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) AddRx(n int64)        { atomic.AddInt64(v.rx, n) }
func (v *Valve) AddTx(n int64)        { atomic.AddInt64(v.tx, n) }
func (v *Valve) GetRx() int64         { return atomic.LoadInt64(v.rx) }
func (v *Valve) GetTx() int64         { return atomic.LoadInt64(v.tx) }

// Nullify returns the byte counters accumulated since the last call and
// resets them, for periodic collection into a usage ledger.
func (v *Valve) Nullify() (int64, int64) {
	rx := atomic.SwapInt64(v.rx, 0)
	tx := atomic.SwapInt64(v.tx, 0)
	return rx, tx
}

// the new-stream limiter is keyed so that future control points can share
// one limiter; today the only key in use is newStreamKey
const newStreamKey = "new-stream"

// keyedLimiter hands out token buckets per key. Each bucket has the same
// capacity and refills at capacity tokens per second. It only comes into play
// after the inbound stream cap has been hit: the first take that finds the
// bucket empty is the signal to disconnect the peer.
type keyedLimiter struct {
	m        sync.Mutex
	buckets  map[string]*ratelimit.Bucket
	capacity int64
}

func makeKeyedLimiter(capacity int) *keyedLimiter {
	return &keyedLimiter{
		buckets:  map[string]*ratelimit.Bucket{},
		capacity: int64(capacity),
	}
}

// allow consumes one token from key's bucket, reporting whether one was
// available.
func (l *keyedLimiter) allow(key string) bool {
	l.m.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = ratelimit.NewBucketWithRate(float64(l.capacity), l.capacity)
		l.buckets[key] = b
	}
	l.m.Unlock()
	return b.TakeAvailable(1) == 1
}
