// Package rooms fans result snapshots out to the connections watching a poll.
//
// A room exists while at least one connection has joined it. Member sets are
// copy-on-write: Join, Leave and Disconnect swap in a new set inside a single
// Compute on the room, so Publish can walk a set without holding any lock
// while deliveries run.
package rooms

import (
	"errors"
	"runtime/debug"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	log "github.com/sirupsen/logrus"
	"github.com/troydota/pollrooms/polls"
)

const DefaultWorkers = 32

var ErrSlowConsumer = errors.New("connection send buffer is full")

// Conn is one live subscriber. Send must not block on network I/O.
// Disconnect is expected to be a connection's last call; a Join issued after
// it registers the connection again.
type Conn interface {
	ID() string
	Send(snap polls.Snapshot) error
}

type room struct {
	members map[string]Conn
	latest  int64
}

// member tracks the rooms one connection joined. Its lock orders Join, Leave
// and Disconnect for that connection; gone marks an entry already removed
// from the joined map.
type member struct {
	mtx   sync.Mutex
	polls []string
	gone  bool
}

type Broadcaster struct {
	rooms  *xsync.Map[string, room]
	joined *xsync.Map[string, *member]
	pool   pond.Pool
	logger *log.Entry
}

func New(workers int) *Broadcaster {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Broadcaster{
		rooms:  xsync.NewMap[string, room](),
		joined: xsync.NewMap[string, *member](),
		pool:   pond.NewPool(workers),
		logger: log.WithField("component", "rooms"),
	}
}

// lock returns the live member entry for id, locked. With create unset it
// returns nil when the connection has not joined anything.
func (b *Broadcaster) lock(id string, create bool) *member {
	for {
		m, ok := b.joined.Compute(id, func(old *member, loaded bool) (*member, xsync.ComputeOp) {
			if loaded || !create {
				return old, xsync.CancelOp
			}
			return &member{}, xsync.UpdateOp
		})
		if !ok || m == nil {
			return nil
		}

		m.mtx.Lock()
		if !m.gone {
			return m
		}
		m.mtx.Unlock()
	}
}

// drop removes m from the joined map. The caller holds m's lock.
func (b *Broadcaster) drop(id string, m *member) {
	m.gone = true
	b.joined.Compute(id, func(old *member, loaded bool) (*member, xsync.ComputeOp) {
		if loaded && old == m {
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
}

func (b *Broadcaster) Join(c Conn, pollID string) {
	if pollID == "" {
		return
	}
	id := c.ID()

	m := b.lock(id, true)
	defer m.mtx.Unlock()

	added := false
	b.rooms.Compute(pollID, func(old room, loaded bool) (room, xsync.ComputeOp) {
		if _, ok := old.members[id]; loaded && ok {
			return old, xsync.CancelOp
		}
		members := make(map[string]Conn, len(old.members)+1)
		for k, v := range old.members {
			members[k] = v
		}
		members[id] = c
		added = true
		return room{members: members, latest: old.latest}, xsync.UpdateOp
	})

	if added {
		m.polls = append(m.polls, pollID)
	}
}

func (b *Broadcaster) Leave(c Conn, pollID string) {
	id := c.ID()

	m := b.lock(id, false)
	if m == nil {
		return
	}
	defer m.mtx.Unlock()

	if !b.leaveRoom(id, pollID) {
		return
	}

	next := m.polls[:0]
	for _, p := range m.polls {
		if p != pollID {
			next = append(next, p)
		}
	}
	m.polls = next

	if len(m.polls) == 0 {
		b.drop(id, m)
	}
}

// Disconnect removes c from every room it joined. A later Join starts over.
func (b *Broadcaster) Disconnect(c Conn) {
	id := c.ID()

	m := b.lock(id, false)
	if m == nil {
		return
	}
	defer m.mtx.Unlock()

	for _, pollID := range m.polls {
		b.leaveRoom(id, pollID)
	}
	m.polls = nil
	b.drop(id, m)
}

func (b *Broadcaster) leaveRoom(id, pollID string) bool {
	removed := false

	b.rooms.Compute(pollID, func(old room, loaded bool) (room, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		if _, ok := old.members[id]; !ok {
			return old, xsync.CancelOp
		}
		removed = true
		if len(old.members) == 1 {
			return old, xsync.DeleteOp
		}
		members := make(map[string]Conn, len(old.members)-1)
		for k, v := range old.members {
			if k != id {
				members[k] = v
			}
		}
		return room{members: members, latest: old.latest}, xsync.UpdateOp
	})

	return removed
}

// Publish hands snap to every member of the room as an independent task and
// returns without waiting. A snapshot older than one already published to the
// room is dropped.
func (b *Broadcaster) Publish(pollID string, snap polls.Snapshot) {
	var members map[string]Conn

	b.rooms.Compute(pollID, func(old room, loaded bool) (room, xsync.ComputeOp) {
		if !loaded || snap.TotalVotes < old.latest {
			return old, xsync.CancelOp
		}
		members = old.members
		old.latest = snap.TotalVotes
		return old, xsync.UpdateOp
	})

	for _, c := range members {
		c := c
		b.pool.Submit(func() {
			b.deliver(pollID, c, snap)
		})
	}
}

func (b *Broadcaster) deliver(pollID string, c Conn, snap polls.Snapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Errorf("deliver panic, poll=%s conn=%s panic=%v\n%s", pollID, c.ID(), rec, debug.Stack())
		}
	}()

	if err := c.Send(snap); err != nil {
		b.logger.Debugf("deliver, poll=%s conn=%s err=%v", pollID, c.ID(), err)
	}
}

// Members is the number of connections in the room for pollID.
func (b *Broadcaster) Members(pollID string) int {
	r, ok := b.rooms.Load(pollID)
	if !ok {
		return 0
	}
	return len(r.members)
}

func (b *Broadcaster) Rooms() int {
	return b.rooms.Size()
}

// Close waits for queued deliveries and stops the worker pool.
func (b *Broadcaster) Close() {
	b.pool.StopAndWait()
}
