package rooms

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/troydota/pollrooms/polls"
)

type fakeConn struct {
	id    string
	got   chan polls.Snapshot
	block chan struct{}
	err   error
	panic bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, got: make(chan polls.Snapshot, 16)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(snap polls.Snapshot) error {
	if c.panic {
		panic("boom")
	}
	if c.block != nil {
		<-c.block
	}
	if c.err != nil {
		return c.err
	}
	select {
	case c.got <- snap:
	default:
	}
	return nil
}

func (c *fakeConn) wait(t *testing.T) polls.Snapshot {
	t.Helper()
	select {
	case s := <-c.got:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("conn %s received nothing", c.id)
		return polls.Snapshot{}
	}
}

func (c *fakeConn) none(t *testing.T) {
	t.Helper()
	select {
	case s := <-c.got:
		t.Fatalf("conn %s got unexpected snapshot %+v", c.id, s)
	case <-time.After(50 * time.Millisecond):
	}
}

func snapshot(pollID string, total int64) polls.Snapshot {
	return polls.Snapshot{PollID: pollID, TotalVotes: total}
}

func TestBroadcaster_JoinIsIdempotent(t *testing.T) {
	b := New(4)
	defer b.Close()
	c := newFakeConn("a")

	b.Join(c, "p1")
	b.Join(c, "p1")

	assert.Equal(t, 1, b.Members("p1"))
	b.Publish("p1", snapshot("p1", 1))
	c.wait(t)
	c.none(t)
}

func TestBroadcaster_JoinIgnoresEmptyPoll(t *testing.T) {
	b := New(1)
	defer b.Close()

	b.Join(newFakeConn("a"), "")
	assert.Equal(t, 0, b.Rooms())
}

func TestBroadcaster_RoomsAreIsolated(t *testing.T) {
	b := New(4)
	defer b.Close()
	a, c := newFakeConn("a"), newFakeConn("c")

	b.Join(a, "p1")
	b.Join(c, "p2")

	b.Publish("p1", snapshot("p1", 3))
	assert.Equal(t, "p1", a.wait(t).PollID)
	c.none(t)
}

func TestBroadcaster_LeaveDropsEmptyRoom(t *testing.T) {
	b := New(2)
	defer b.Close()
	a, c := newFakeConn("a"), newFakeConn("c")

	b.Join(a, "p1")
	b.Join(c, "p1")
	require.Equal(t, 2, b.Members("p1"))

	b.Leave(a, "p1")
	assert.Equal(t, 1, b.Members("p1"))
	b.Leave(a, "p1")
	assert.Equal(t, 1, b.Members("p1"))

	b.Publish("p1", snapshot("p1", 1))
	c.wait(t)
	a.none(t)

	b.Leave(c, "p1")
	assert.Equal(t, 0, b.Rooms())
}

func TestBroadcaster_DisconnectLeavesEveryRoom(t *testing.T) {
	b := New(2)
	defer b.Close()
	a, c := newFakeConn("a"), newFakeConn("c")

	b.Join(a, "p1")
	b.Join(a, "p2")
	b.Join(a, "p3")
	b.Join(c, "p2")

	b.Disconnect(a)

	assert.Equal(t, 0, b.Members("p1"))
	assert.Equal(t, 1, b.Members("p2"))
	assert.Equal(t, 0, b.Members("p3"))
	assert.Equal(t, 1, b.Rooms())
	_, ok := b.joined.Load("a")
	assert.False(t, ok)

	b.Disconnect(a)
}

func TestBroadcaster_PublishToEmptyRoom(t *testing.T) {
	b := New(1)
	defer b.Close()

	b.Publish("nobody", snapshot("nobody", 1))
	assert.Equal(t, 0, b.Rooms())
}

func TestBroadcaster_StaleSnapshotDropped(t *testing.T) {
	b := New(1)
	defer b.Close()
	c := newFakeConn("a")
	b.Join(c, "p1")

	b.Publish("p1", snapshot("p1", 5))
	assert.Equal(t, int64(5), c.wait(t).TotalVotes)

	b.Publish("p1", snapshot("p1", 4))
	c.none(t)

	b.Publish("p1", snapshot("p1", 5))
	assert.Equal(t, int64(5), c.wait(t).TotalVotes)
}

func TestBroadcaster_SlowMemberDoesNotBlockOthers(t *testing.T) {
	b := New(4)
	defer b.Close()

	slow := newFakeConn("slow")
	slow.block = make(chan struct{})
	failing := newFakeConn("failing")
	failing.err = errors.New("closed")
	panicky := newFakeConn("panicky")
	panicky.panic = true
	fast := newFakeConn("fast")

	for _, c := range []*fakeConn{slow, failing, panicky, fast} {
		b.Join(c, "p1")
	}

	b.Publish("p1", snapshot("p1", 1))
	assert.Equal(t, int64(1), fast.wait(t).TotalVotes)

	close(slow.block)
	slow.wait(t)
}

func TestBroadcaster_ConcurrentJoinLeave(t *testing.T) {
	b := New(8)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		c := newFakeConn(string(rune('A' + i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Join(c, "p1")
			b.Publish("p1", snapshot("p1", 1))
			b.Leave(c, "p1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, b.Members("p1"))
	assert.Equal(t, 0, b.Rooms())
}

func recorded(b *Broadcaster, id, pollID string) bool {
	m, ok := b.joined.Load(id)
	if !ok {
		return false
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, p := range m.polls {
		if p == pollID {
			return true
		}
	}
	return false
}

func TestBroadcaster_MembershipStaysConsistent(t *testing.T) {
	b := New(2)
	defer b.Close()

	for i := 0; i < 200; i++ {
		c := newFakeConn("c")
		wg := sync.WaitGroup{}
		wg.Add(3)
		go func() {
			defer wg.Done()
			b.Join(c, "p1")
			b.Join(c, "p2")
		}()
		go func() {
			defer wg.Done()
			b.Leave(c, "p1")
		}()
		go func() {
			defer wg.Done()
			b.Disconnect(c)
		}()
		wg.Wait()

		for _, p := range []string{"p1", "p2"} {
			require.Equal(t, b.Members(p) == 1, recorded(b, "c", p), "iteration %d poll %s", i, p)
		}

		b.Disconnect(c)
		require.Equal(t, 0, b.Rooms(), "iteration %d", i)
		_, ok := b.joined.Load("c")
		require.False(t, ok, "iteration %d", i)
	}
}

func TestBroadcaster_JoinAfterDisconnect(t *testing.T) {
	b := New(1)
	defer b.Close()
	c := newFakeConn("c")

	b.Join(c, "p1")
	b.Disconnect(c)
	b.Join(c, "p2")

	assert.Equal(t, 0, b.Members("p1"))
	assert.Equal(t, 1, b.Members("p2"))

	b.Leave(c, "p2")
	assert.Equal(t, 0, b.Rooms())
	_, ok := b.joined.Load("c")
	assert.False(t, ok)
}
