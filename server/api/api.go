package api

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"github.com/troydota/pollrooms/polls"
	"github.com/troydota/pollrooms/utils"
	"github.com/troydota/pollrooms/votes"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Service interface {
	Submit(ctx context.Context, req votes.Request) (polls.Snapshot, error)
	CreatePoll(ctx context.Context, draft polls.Draft, clientIP string) (*polls.Poll, error)
	Poll(ctx context.Context, id string) (*polls.Poll, error)
	Results(ctx context.Context, pollID string) (polls.Snapshot, error)
}

type Publisher interface {
	Publish(pollID string, snap polls.Snapshot)
}

type Config struct {
	AppURL          string
	BroadcastSecret string
}

type handler struct {
	svc    Service
	rooms  Publisher
	appURL string
	secret string
}

type voteRequest struct {
	OptionID   string `json:"optionId"`
	VoterToken string `json:"voterToken"`
}

type voteResponse struct {
	Success    bool                 `json:"success"`
	Results    []polls.OptionResult `json:"results"`
	TotalVotes int64                `json:"totalVotes"`
}

type createResponse struct {
	Poll     *polls.Poll `json:"poll"`
	ShareURL string      `json:"shareUrl"`
}

type pollView struct {
	*polls.Poll
	Expired    bool  `json:"expired"`
	TotalVotes int64 `json:"totalVotes"`
}

// API mounts the REST routes under /api.
func API(app fiber.Router, svc Service, rooms Publisher, cfg Config) {
	h := &handler{
		svc:    svc,
		rooms:  rooms,
		appURL: strings.TrimRight(cfg.AppURL, "/"),
		secret: cfg.BroadcastSecret,
	}

	api := app.Group("/api")

	api.Post("/polls", h.createPoll)
	api.Get("/polls/:id", h.getPoll)
	api.Get("/polls/:id/results", h.getResults)
	api.Post("/polls/:id/vote", h.vote)
	api.Post("/broadcast", h.broadcast)
}

// ClientIP is the caller's address as seen through proxies.
func ClientIP(c *fiber.Ctx) string {
	return utils.ClientIP(
		c.Get(fiber.HeaderXForwardedFor),
		c.Get("X-Real-IP"),
		c.Context().RemoteAddr().String(),
	)
}

func fail(c *fiber.Ctx, err error) error {
	kind := polls.KindOf(err)
	if kind == polls.KindInternal {
		log.Errorf("api, path=%s err=%v", c.Path(), err)
	}
	return c.Status(kind.Status()).JSON(fiber.Map{
		"error": polls.Message(err),
	})
}

func (h *handler) createPoll(c *fiber.Ctx) error {
	draft := polls.Draft{}
	if err := json.Unmarshal(c.Body(), &draft); err != nil {
		return fail(c, polls.InvalidInput("Invalid request body"))
	}

	poll, err := h.svc.CreatePoll(c.UserContext(), draft, ClientIP(c))
	if err != nil {
		return fail(c, err)
	}

	base := h.appURL
	if base == "" {
		base = c.BaseURL()
	}

	return c.JSON(createResponse{
		Poll:     poll,
		ShareURL: base + "/poll/" + poll.ID,
	})
}

func (h *handler) getPoll(c *fiber.Ctx) error {
	poll, err := h.svc.Poll(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"poll": pollView{
			Poll:       poll,
			Expired:    poll.Expired(c.Context().Time()),
			TotalVotes: polls.TotalVotes(poll.Options),
		},
	})
}

func (h *handler) getResults(c *fiber.Ctx) error {
	snap, err := h.svc.Results(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(snap)
}

// vote leaves body validation to the service so the rate limit is checked
// before anything else.
func (h *handler) vote(c *fiber.Ctx) error {
	req := voteRequest{}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		req = voteRequest{}
	}

	snap, err := h.svc.Submit(c.UserContext(), votes.Request{
		PollID:     c.Params("id"),
		OptionID:   req.OptionID,
		VoterToken: req.VoterToken,
		ClientIP:   ClientIP(c),
	})
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(voteResponse{
		Success:    true,
		Results:    snap.Results,
		TotalVotes: snap.TotalVotes,
	})
}

// broadcast is the relay endpoint for ingestion running in another process.
// An unset secret rejects every request.
func (h *handler) broadcast(c *fiber.Ctx) error {
	if !h.authorized(c.Get(fiber.HeaderAuthorization)) {
		return fail(c, polls.ErrUnauthorized)
	}

	snap := polls.Snapshot{}
	if err := json.Unmarshal(c.Body(), &snap); err != nil {
		return fail(c, polls.InvalidInput("Invalid request body"))
	}
	if snap.PollID == "" {
		return fail(c, polls.InvalidInput("pollId required"))
	}

	h.rooms.Publish(snap.PollID, snap)

	return c.JSON(fiber.Map{"ok": true})
}

func (h *handler) authorized(header string) bool {
	if h.secret == "" {
		return false
	}
	expected := "Bearer " + h.secret
	return subtle.ConstantTimeCompare(utils.S2B(header), utils.S2B(expected)) == 1
}
