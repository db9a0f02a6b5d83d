package tinyweb

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// slotPool owns the fixed set of connection slots. Each slot is a goroutine
// blocked on its channel; idle slots sit on a FILO ready list so the most
// recently used one serves the next connection (keeps caches hot, lets the
// rest expire).
//
// Admission is a token semaphore sized to the concurrency limit. The accept
// loop takes a token before calling Accept, so when every slot is busy the
// excess connections never leave the kernel listen backlog.
type slotPool struct {
	// serve handles one connection and must leave it unclosed.
	serve func(net.Conn) error

	capacity            int
	maxIdleSlotDuration time.Duration
	logger              *zerolog.Logger

	sem    chan struct{}
	stopCh chan struct{}

	lock      sync.Mutex
	slotCount int
	mustStop  bool
	ready     []*connSlot

	slotChanPool sync.Pool
}

type connSlot struct {
	lastUseTime time.Time
	busySince   time.Time
	ch          chan net.Conn
}

const defaultMaxIdleSlotDuration = 10 * time.Second

func (sp *slotPool) start() {
	if sp.stopCh != nil {
		return
	}
	sp.sem = make(chan struct{}, sp.capacity)
	sp.stopCh = make(chan struct{})
	sp.slotChanPool.New = func() any {
		return &connSlot{ch: make(chan net.Conn, 1)}
	}
	go func() {
		var scratch []*connSlot
		for {
			sp.clean(&scratch)
			select {
			case <-sp.stopCh:
				return
			default:
				time.Sleep(sp.idleSlotDuration())
			}
		}
	}()
}

func (sp *slotPool) stop() {
	sp.lock.Lock()
	if sp.mustStop {
		sp.lock.Unlock()
		return
	}
	sp.mustStop = true
	ready := sp.ready
	sp.ready = ready[:0]
	sp.lock.Unlock()

	close(sp.stopCh)
	// Retire idle slots. Busy ones notice mustStop after their current
	// connection and exit on their own.
	for i := range ready {
		ready[i].ch <- nil
		ready[i] = nil
	}
}

func (sp *slotPool) idleSlotDuration() time.Duration {
	if sp.maxIdleSlotDuration <= 0 {
		return defaultMaxIdleSlotDuration
	}
	return sp.maxIdleSlotDuration
}

// admit blocks until a slot token is free or the pool stops. The caller must
// follow a true return with exactly one dispatch.
func (sp *slotPool) admit() bool {
	select {
	case sp.sem <- struct{}{}:
		return true
	case <-sp.stopCh:
		return false
	}
}

// cancelAdmit returns an unused token (Accept failed after admit).
func (sp *slotPool) cancelAdmit() {
	<-sp.sem
}

// dispatch hands an accepted connection to a slot. The caller holds an
// admission token, and a held token guarantees a ready slot or headroom to
// create one, so dispatch fails only on a stopped pool.
func (sp *slotPool) dispatch(c net.Conn) bool {
	slot := sp.getSlot()
	if slot == nil {
		<-sp.sem
		return false
	}
	slot.busySince = time.Now()
	slot.ch <- c
	return true
}

// stopped reports whether stop has retired the pool.
func (sp *slotPool) stopped() bool {
	sp.lock.Lock()
	v := sp.mustStop
	sp.lock.Unlock()
	return v
}

func (sp *slotPool) getSlot() *connSlot {
	var slot *connSlot
	createSlot := false

	sp.lock.Lock()
	if sp.mustStop {
		sp.lock.Unlock()
		return nil
	}
	ready := sp.ready
	n := len(ready) - 1
	if n < 0 {
		if sp.slotCount < sp.capacity {
			createSlot = true
			sp.slotCount++
		}
	} else {
		slot = ready[n]
		ready[n] = nil
		sp.ready = ready[:n]
	}
	sp.lock.Unlock()

	if slot == nil {
		if !createSlot {
			return nil
		}
		v := sp.slotChanPool.Get()
		slot = v.(*connSlot)
		go func() {
			sp.slotFunc(slot)
			sp.slotChanPool.Put(v)
		}()
	}
	return slot
}

func (sp *slotPool) release(slot *connSlot) bool {
	slot.lastUseTime = time.Now()
	slot.busySince = time.Time{}
	sp.lock.Lock()
	if sp.mustStop {
		sp.lock.Unlock()
		return false
	}
	sp.ready = append(sp.ready, slot)
	sp.lock.Unlock()
	return true
}

func (sp *slotPool) slotFunc(slot *connSlot) {
	for c := range slot.ch {
		if c == nil {
			break
		}
		err := sp.serve(c)
		_ = c.Close()
		if err != nil && !quietServeError(err) {
			sp.logger.Error().Err(err).
				Str("remote", c.RemoteAddr().String()).
				Msg("serve connection")
		}
		// Put the slot back on the ready list before returning the token.
		// The accept loop admits on a free token, so the token must never
		// be visible while the slot is in limbo.
		released := sp.release(slot)
		<-sp.sem
		if !released {
			break
		}
	}

	sp.lock.Lock()
	sp.slotCount--
	sp.lock.Unlock()
}

// clean retires slots idle for longer than the idle duration. The ready list
// is ordered by lastUseTime, so a binary search finds the cut point.
func (sp *slotPool) clean(scratch *[]*connSlot) {
	criticalTime := time.Now().Add(-sp.idleSlotDuration())

	sp.lock.Lock()
	ready := sp.ready
	n := len(ready)

	l, r := 0, n-1
	for l <= r {
		mid := (l + r) / 2
		if criticalTime.After(ready[mid].lastUseTime) {
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	i := r
	if i == -1 {
		sp.lock.Unlock()
		return
	}

	*scratch = append((*scratch)[:0], ready[:i+1]...)
	m := copy(ready, ready[i+1:])
	for i = m; i < n; i++ {
		ready[i] = nil
	}
	sp.ready = ready[:m]
	sp.lock.Unlock()

	// Notify outside the lock; the sends below may block briefly.
	tmp := *scratch
	for i := range tmp {
		tmp[i].ch <- nil
		tmp[i] = nil
	}
}
