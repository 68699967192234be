package gql

import (
	"context"
	"sync"
	"time"

	"github.com/gobuffalo/packr/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/graph-gophers/graphql-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/troydota/pollrooms/server/api"
	"github.com/troydota/pollrooms/server/gql/resolvers"
	"github.com/troydota/pollrooms/utils"

	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type GQLRequest struct {
	Query          string                 `json:"query"`
	Variables      map[string]interface{} `json:"variables"`
	OperationName  string                 `json:"operation_name"`
	RequestID      string                 `json:"request_id"`
	SubscriptionID string                 `json:"subscription_id"`
}

type WSResponse struct {
	Payload        interface{} `json:"payload,omitempty"`
	Error          string      `json:"error,omitempty"`
	RequestID      string      `json:"request_id,omitempty"`
	SubscriptionID string      `json:"sub_id,omitempty"`
}

// Transport is the part of a websocket connection the subscription loop uses.
type Transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
}

// NewSchema parses the boxed schema against the root resolver.
func NewSchema(svc resolvers.Service, r resolvers.Rooms) *graphql.Schema {
	box := packr.New("gql", "./schema")

	s, err := box.FindString("schema.gql")
	if err != nil {
		panic(err)
	}

	return graphql.MustParseSchema(s, resolvers.New(svc, r), graphql.UseFieldResolvers())
}

func GQL(app fiber.Router, svc resolvers.Service, r resolvers.Rooms) {
	gql := app.Group("/gql")

	schema := NewSchema(svc, r)

	gql.Use(func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodGet {
			return c.Next()
		}
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("ip", api.ClientIP(c))
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})

	gql.Post("/", func(c *fiber.Ctx) error {
		req := &GQLRequest{}
		if err := json.Unmarshal(c.Body(), req); err != nil || req.Query == "" {
			if err != nil {
				log.Errorf("gql req, err=%v", err)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"status":  fiber.StatusBadRequest,
				"message": "Invalid GraphQL Request.",
			})
		}

		ctx := context.WithValue(c.UserContext(), utils.Key("ip"), api.ClientIP(c))
		result := schema.Exec(ctx, req.Query, req.OperationName, req.Variables)

		status := fiber.StatusOK
		if len(result.Errors) > 0 {
			status = fiber.StatusBadRequest
		}

		return c.Status(status).JSON(result)
	})

	gql.Get("/", websocket.New(func(c *websocket.Conn) {
		ip, _ := c.Locals("ip").(string)
		newSubscriptions(c, schema, ip).run()
	}))
}

// subscriptions serves GraphQL subscriptions over one websocket. Every
// subscription gets an id the client can send back with operation_name
// "unsubscribe".
type subscriptions struct {
	conn      Transport
	schema    *graphql.Schema
	heartbeat time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mtx    sync.Mutex
	active map[string]context.CancelFunc
}

func newSubscriptions(conn Transport, schema *graphql.Schema, ip string) *subscriptions {
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), utils.Key("ip"), ip))
	return &subscriptions{
		conn:      conn,
		schema:    schema,
		heartbeat: 60 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
		active:    map[string]context.CancelFunc{},
	}
}

func (s *subscriptions) run() {
	defer s.cancel()
	go s.pingLoop()

	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		req := &GQLRequest{}
		if err = json.Unmarshal(msg, req); err != nil {
			s.reply(WSResponse{Error: "invalid request"})
			continue
		}

		if req.SubscriptionID != "" && req.OperationName == "unsubscribe" {
			s.mtx.Lock()
			if stop, ok := s.active[req.SubscriptionID]; ok {
				stop()
			}
			s.mtx.Unlock()
			continue
		}

		go s.subscribe(req)
	}
}

func (s *subscriptions) subscribe(req *GQLRequest) {
	id, err := utils.GenerateRandomString(20)
	if err != nil {
		log.Errorf("random, err=%v", err)
		s.reply(WSResponse{Error: "internal server err", RequestID: req.RequestID})
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	result, err := s.schema.Subscribe(ctx, req.Query, req.OperationName, req.Variables)
	if err != nil {
		log.Errorf("gql, err=%v", err)
		s.reply(WSResponse{Error: "invalid request", RequestID: req.RequestID})
		return
	}

	s.mtx.Lock()
	s.active[id] = cancel
	s.mtx.Unlock()
	defer func() {
		s.mtx.Lock()
		delete(s.active, id)
		s.mtx.Unlock()
	}()

	for val := range result {
		if err = s.reply(WSResponse{Payload: val, RequestID: req.RequestID, SubscriptionID: id}); err != nil {
			return
		}
	}
}

func (s *subscriptions) pingLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mtx.Lock()
			err := s.conn.WriteMessage(websocket.TextMessage, utils.S2B("HEARTBEAT"))
			s.mtx.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *subscriptions) reply(resp WSResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("json, err=%v", err)
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
