package gql

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/graph-gophers/graphql-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/troydota/pollrooms/polls"
	"github.com/troydota/pollrooms/ratelimit"
	"github.com/troydota/pollrooms/rooms"
	"github.com/troydota/pollrooms/store"
	"github.com/troydota/pollrooms/votes"
)

type gqlEnv struct {
	app   *fiber.App
	svc   *votes.Service
	rooms *rooms.Broadcaster
	poll  *polls.Poll
}

func newGQLEnv(t *testing.T) *gqlEnv {
	t.Helper()

	mem := store.NewMemory()
	b := rooms.New(2)
	t.Cleanup(b.Close)
	svc := votes.New(mem, ratelimit.NewMemory(time.Minute, 100), b, votes.Config{Salt: "salt"})

	poll, err := mem.CreatePoll(context.Background(), &polls.Poll{
		Question: "Cats or dogs?",
		Options:  []polls.Option{{Text: "Cats"}, {Text: "Dogs"}},
	})
	require.NoError(t, err)

	app := fiber.New()
	GQL(app, svc, b)

	return &gqlEnv{app: app, svc: svc, rooms: b, poll: poll}
}

func (e *gqlEnv) exec(t *testing.T, query string, variables map[string]interface{}, ip string) (int, map[string]interface{}) {
	t.Helper()

	body, err := json.Marshal(GQLRequest{Query: query, Variables: variables})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/gql", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return resp.StatusCode, out
}

const voteMutation = `mutation($id: String!, $option: String!, $token: String!) {
	vote(id: $id, option: $option, token: $token) {
		state
		results { totalVotes results { text votesCount percentage } }
	}
}`

func field(m map[string]interface{}, path ...string) interface{} {
	var cur interface{} = m
	for _, p := range path {
		cur = cur.(map[string]interface{})[p]
	}
	return cur
}

func TestGQL_Vote(t *testing.T) {
	e := newGQLEnv(t)
	vars := map[string]interface{}{"id": e.poll.ID, "option": e.poll.Options[0].ID, "token": "tok"}

	status, out := e.exec(t, voteMutation, vars, "203.0.113.9")
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, "SUCCESS", field(out, "data", "vote", "state"))
	assert.Equal(t, float64(1), field(out, "data", "vote", "results", "totalVotes"))

	_, out = e.exec(t, voteMutation, vars, "203.0.113.10")
	assert.Equal(t, "ALREADY_VOTED", field(out, "data", "vote", "state"))
	assert.Nil(t, field(out, "data", "vote", "results"))

	vars["token"], vars["option"] = "other", "nope"
	_, out = e.exec(t, voteMutation, vars, "203.0.113.11")
	assert.Equal(t, "INVALID_SELECTION", field(out, "data", "vote", "state"))

	vars["id"], vars["option"] = "missing", e.poll.Options[0].ID
	_, out = e.exec(t, voteMutation, vars, "203.0.113.11")
	assert.Equal(t, "NOT_FOUND", field(out, "data", "vote", "state"))
}

func TestGQL_PollQuery(t *testing.T) {
	e := newGQLEnv(t)

	status, out := e.exec(t, `query($id: String!) { poll(id: $id) { id question expired totalVotes options { text votesCount } } }`,
		map[string]interface{}{"id": e.poll.ID}, "")
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, e.poll.ID, field(out, "data", "poll", "id"))
	assert.Equal(t, "Cats or dogs?", field(out, "data", "poll", "question"))
	assert.Equal(t, false, field(out, "data", "poll", "expired"))
	assert.Len(t, field(out, "data", "poll", "options"), 2)

	_, out = e.exec(t, `{ poll(id: "missing") { id } }`, nil, "")
	assert.Nil(t, field(out, "data", "poll"))

	_, out = e.exec(t, `query($id: String!) { results(id: $id) { pollId totalVotes } }`,
		map[string]interface{}{"id": e.poll.ID}, "")
	assert.Equal(t, e.poll.ID, field(out, "data", "results", "pollId"))
	assert.Equal(t, float64(0), field(out, "data", "results", "totalVotes"))
}

func TestGQL_NewPoll(t *testing.T) {
	e := newGQLEnv(t)
	mutation := `mutation($poll: NewPoll!) { new(poll: $poll) { state poll { id question options { text } } } }`

	_, out := e.exec(t, mutation, map[string]interface{}{"poll": map[string]interface{}{
		"question": "Tabs or spaces?",
		"options":  []string{"Tabs", "Spaces"},
	}}, "")
	assert.Equal(t, "SUCCESS", field(out, "data", "new", "state"))
	assert.Equal(t, "Tabs or spaces?", field(out, "data", "new", "poll", "question"))

	cases := map[string]map[string]interface{}{
		"INVALID_QUESTION": {"question": "", "options": []string{"a", "b"}},
		"INVALID_OPTIONS":  {"question": "Q", "options": []string{"a"}},
		"INVALID_EXPIRY":   {"question": "Q", "options": []string{"a", "b"}, "expiresAt": "soon"},
	}
	for state, poll := range cases {
		_, out = e.exec(t, mutation, map[string]interface{}{"poll": poll}, "")
		assert.Equal(t, state, field(out, "data", "new", "state"))
	}
}

func TestGQL_BadRequest(t *testing.T) {
	e := newGQLEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/gql", strings.NewReader(`nope`))
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, out := e.exec(t, `{ nothing }`, nil, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotEmpty(t, out["errors"])
}

const watchSubscription = `subscription($id: String!) { watch(id: $id) { pollId totalVotes } }`

func (e *gqlEnv) vote(t *testing.T, token, ip string) {
	t.Helper()
	_, err := e.svc.Submit(context.Background(), votes.Request{
		PollID:     e.poll.ID,
		OptionID:   e.poll.Options[0].ID,
		VoterToken: token,
		ClientIP:   ip,
	})
	require.NoError(t, err)
}

func nextResponse(t *testing.T, ch <-chan interface{}) *graphql.Response {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "subscription closed")
		resp, ok := v.(*graphql.Response)
		require.True(t, ok, "unexpected payload %T", v)
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription payload")
		return nil
	}
}

func watchTotal(t *testing.T, resp *graphql.Response) float64 {
	t.Helper()
	require.Empty(t, resp.Errors)
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return field(out, "watch", "totalVotes").(float64)
}

func TestWatch_StreamsResults(t *testing.T) {
	e := newGQLEnv(t)
	schema := NewSchema(e.svc, e.rooms)

	e.vote(t, "first", "203.0.113.1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := schema.Subscribe(ctx, watchSubscription, "", map[string]interface{}{"id": e.poll.ID})
	require.NoError(t, err)

	assert.Equal(t, float64(1), watchTotal(t, nextResponse(t, ch)))
	assert.Equal(t, 1, e.rooms.Members(e.poll.ID))

	// older than what the watcher already sent
	e.rooms.Publish(e.poll.ID, polls.Snapshot{PollID: e.poll.ID, TotalVotes: 0})

	e.vote(t, "second", "203.0.113.2")
	assert.Equal(t, float64(2), watchTotal(t, nextResponse(t, ch)))

	cancel()
	assert.Eventually(t, func() bool { return e.rooms.Members(e.poll.ID) == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatch_UnknownPoll(t *testing.T) {
	e := newGQLEnv(t)
	schema := NewSchema(e.svc, e.rooms)

	ch, err := schema.Subscribe(context.Background(), watchSubscription, "", map[string]interface{}{"id": "missing"})
	require.NoError(t, err)

	resp := nextResponse(t, ch)
	require.NotEmpty(t, resp.Errors)
	assert.Equal(t, "poll not found", resp.Errors[0].Message)
	assert.Equal(t, 0, e.rooms.Rooms())
}

type fakeWS struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeWS() *fakeWS {
	return &fakeWS{
		in:     make(chan []byte, 8),
		out:    make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeWS) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	case f.out <- data:
		return nil
	}
}

func (f *fakeWS) Close() {
	f.once.Do(func() { close(f.closed) })
}

func (f *fakeWS) send(t *testing.T, req GQLRequest) {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeWS) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.out:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("nothing written")
		return nil
	}
}

func (f *fakeWS) nextResponse(t *testing.T) WSResponse {
	t.Helper()
	resp := WSResponse{}
	require.NoError(t, json.Unmarshal(f.next(t), &resp))
	return resp
}

func TestSubscriptions_Unsubscribe(t *testing.T) {
	e := newGQLEnv(t)
	ws := newFakeWS()
	defer ws.Close()

	go newSubscriptions(ws, NewSchema(e.svc, e.rooms), "203.0.113.5").run()

	ws.send(t, GQLRequest{
		Query:     watchSubscription,
		Variables: map[string]interface{}{"id": e.poll.ID},
		RequestID: "r1",
	})

	first := ws.nextResponse(t)
	assert.Equal(t, "r1", first.RequestID)
	require.NotEmpty(t, first.SubscriptionID)
	assert.Equal(t, float64(0), field(first.Payload.(map[string]interface{}), "data", "watch", "totalVotes"))
	require.Eventually(t, func() bool { return e.rooms.Members(e.poll.ID) == 1 }, time.Second, 5*time.Millisecond)

	e.vote(t, "tok", "203.0.113.6")
	update := ws.nextResponse(t)
	assert.Equal(t, first.SubscriptionID, update.SubscriptionID)
	assert.Equal(t, float64(1), field(update.Payload.(map[string]interface{}), "data", "watch", "totalVotes"))

	ws.send(t, GQLRequest{OperationName: "unsubscribe", SubscriptionID: first.SubscriptionID})
	assert.Eventually(t, func() bool { return e.rooms.Members(e.poll.ID) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscriptions_InvalidRequest(t *testing.T) {
	e := newGQLEnv(t)
	ws := newFakeWS()
	defer ws.Close()

	go newSubscriptions(ws, NewSchema(e.svc, e.rooms), "").run()

	ws.in <- []byte("{")
	assert.Equal(t, WSResponse{Error: "invalid request"}, ws.nextResponse(t))
}

func TestSubscriptions_Heartbeat(t *testing.T) {
	e := newGQLEnv(t)
	ws := newFakeWS()
	defer ws.Close()

	s := newSubscriptions(ws, NewSchema(e.svc, e.rooms), "")
	s.heartbeat = 10 * time.Millisecond
	go s.run()

	assert.Equal(t, "HEARTBEAT", string(ws.next(t)))
}
