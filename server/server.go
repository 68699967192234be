package server

import (
	"net"

	"github.com/davecgh/go-spew/spew"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/troydota/pollrooms/configure"
	"github.com/troydota/pollrooms/rooms"
	"github.com/troydota/pollrooms/server/api"
	"github.com/troydota/pollrooms/server/gql"
	"github.com/troydota/pollrooms/server/socket"
	"github.com/troydota/pollrooms/utils"
	"github.com/troydota/pollrooms/votes"

	log "github.com/sirupsen/logrus"
)

type Server struct {
	app *fiber.App
	ln  net.Listener
}

type customLogger struct{}

func (*customLogger) Write(data []byte) (n int, err error) {
	log.Debugln(utils.B2S(data))
	return len(data), nil
}

// NewApp wires every route. Relayed snapshots from /api/broadcast always go
// to the local rooms.
func NewApp(cfg configure.ServerCfg, svc *votes.Service, b *rooms.Broadcaster) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		Output: &customLogger{},
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	socket.Socket(app, b, svc)
	api.API(app, svc, b, api.Config{
		AppURL:          cfg.AppURL,
		BroadcastSecret: cfg.BroadcastSecret,
	})
	gql.GQL(app, svc, b)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(404).JSON(&fiber.Map{
			"status":  404,
			"message": "We don't know what you're looking for.",
		})
	})

	return app
}

func NewServer(cfg configure.ServerCfg, svc *votes.Service, b *rooms.Broadcaster) (*Server, error) {
	ln, err := net.Listen(cfg.ListenerNetwork, cfg.ListenerAddress)
	if err != nil {
		return nil, err
	}

	server := &Server{
		ln:  ln,
		app: NewApp(cfg, svc, b),
	}

	go func() {
		if err := server.app.Listener(server.ln); err != nil {
			log.Errorf("failed to start http server, err=%v", err)
		}
	}()

	return server, nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func errorHandler(c *fiber.Ctx, err error) error {
	if e, ok := err.(*fiber.Error); ok {
		return c.Status(e.Code).JSON(&fiber.Map{
			"status":  e.Code,
			"message": e.Message,
		})
	}

	log.Errorf("internal err=%v", spew.Sdump(err))

	return c.SendStatus(500)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
