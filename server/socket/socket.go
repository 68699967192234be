// Package socket is the live subscription channel. A client sends
// {"event":"join","pollId":"..."} or {"event":"leave","pollId":"..."} and
// receives {"event":"results","payload":{...}} for every poll it joined.
package socket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"github.com/troydota/pollrooms/polls"
	"github.com/troydota/pollrooms/rooms"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	Path = "/api/socketio"

	HeartbeatInterval = 60 * time.Second

	sendBuffer = 16
)

const (
	EventJoin      = "join"
	EventLeave     = "leave"
	EventResults   = "results"
	EventError     = "error"
	EventHeartbeat = "heartbeat"
)

var ErrClosed = errors.New("session closed")

type Message struct {
	Event   string      `json:"event"`
	PollID  string      `json:"pollId,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Transport is the part of a websocket connection a Session uses.
type Transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Rooms interface {
	Join(c rooms.Conn, pollID string)
	Leave(c rooms.Conn, pollID string)
	Disconnect(c rooms.Conn)
}

// Snapshotter gives a joining client the current tally.
type Snapshotter interface {
	Results(ctx context.Context, pollID string) (polls.Snapshot, error)
}

type Session struct {
	id        string
	ws        Transport
	rooms     Rooms
	results   Snapshotter
	heartbeat time.Duration

	out  chan polls.Snapshot
	done chan struct{}
	once sync.Once
	mtx  sync.Mutex
}

func NewSession(ws Transport, r Rooms, results Snapshotter) *Session {
	return &Session{
		id:        uuid.NewString(),
		ws:        ws,
		rooms:     r,
		results:   results,
		heartbeat: HeartbeatInterval,
		out:       make(chan polls.Snapshot, sendBuffer),
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Send queues snap for the writer. It never blocks: a full buffer drops the
// snapshot.
func (s *Session) Send(snap polls.Snapshot) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.out <- snap:
		return nil
	default:
		return rooms.ErrSlowConsumer
	}
}

// Run reads client frames until the connection fails, then removes the
// session from every room.
func (s *Session) Run() {
	defer s.close()
	go s.writeLoop()

	for {
		mt, msg, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		req := Message{}
		if err = json.Unmarshal(msg, &req); err != nil {
			s.fail("invalid request")
			continue
		}

		switch req.Event {
		case EventJoin:
			if req.PollID == "" {
				s.fail("pollId required")
				continue
			}
			s.rooms.Join(s, req.PollID)
			s.sendCurrent(req.PollID)
		case EventLeave:
			if req.PollID != "" {
				s.rooms.Leave(s, req.PollID)
			}
		default:
			s.fail("unknown event")
		}
	}
}

func (s *Session) sendCurrent(pollID string) {
	if s.results == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := s.results.Results(ctx, pollID)
	if err != nil {
		switch polls.KindOf(err) {
		case polls.KindNotFound, polls.KindInvalidInput:
			s.rooms.Leave(s, pollID)
		}
		s.fail(polls.Message(err))
		return
	}
	_ = s.Send(snap)
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case snap := <-s.out:
			if err := s.write(Message{Event: EventResults, Payload: snap}); err != nil {
				_ = s.ws.Close()
				return
			}
		case <-ticker.C:
			if err := s.write(Message{Event: EventHeartbeat}); err != nil {
				_ = s.ws.Close()
				return
			}
		}
	}
}

func (s *Session) fail(msg string) {
	if err := s.write(Message{Event: EventError, Error: msg}); err != nil {
		log.WithField("component", "socket").Debugf("write, conn=%s err=%v", s.id, err)
	}
}

func (s *Session) write(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		log.Errorf("json, err=%v", err)
		return nil
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		s.rooms.Disconnect(s)
	})
}

// Socket mounts the websocket endpoint. Plain HTTP requests to it get 426.
func Socket(app fiber.Router, r Rooms, results Snapshotter) {
	app.Use(Path, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})

	app.Get(Path, websocket.New(func(c *websocket.Conn) {
		NewSession(c, r, results).Run()
	}))
}
