package apis

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/donovanhide/eventsource"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/tphan267/guggleweed-client/pkg/api"
	"github.com/tphan267/guggleweed-client/pkg/auth"
	"github.com/tphan267/guggleweed-client/pkg/logger"
	"github.com/tphan267/guggleweed-client/pkg/media"
	"github.com/tphan267/guggleweed-client/pkg/session"
	"github.com/tphan267/guggleweed-client/pkg/signaling"
)

// SessionController is the part of the session the local API drives
type SessionController interface {
	State() session.State
	Subscribe() (<-chan session.State, func())
	JoinMeeting(ctx context.Context) error
	OpenMedia(ctx context.Context, kind media.ProducerKind) error
	CloseMedia(ctx context.Context, kind media.ProducerKind) error
	RemoteStats(id string) (media.ConsumerStats, error)
	EnterMessage(text string) error
	SendChatMessage() error
	Transcript() ([]session.ChatMessage, error)
	RequestAttention() error
	AcceptAttention(attendeeID string) error
	RejectAttention(attendeeID string) error
}

// MeetingEnder ends a meeting on behalf of its host
type MeetingEnder interface {
	EndMeeting(ctx context.Context, meetingID, participantID string) error
}

// ApiServer is the local HTTP server a UI process uses to drive the session
type ApiServer struct {
	app      *fiber.App
	session  SessionController
	meetings MeetingEnder
	identity auth.IdentityProvider
	logger   *logger.Logger

	// interval of the comment lines written to open event streams
	keepAlive time.Duration
}

// New creates the server. meetings may be nil, in which case ending a
// meeting is reported as unavailable.
func New(ctrl SessionController, meetings MeetingEnder, identity auth.IdentityProvider, log *logger.Logger) *ApiServer {
	if log == nil {
		log = logger.Discard()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		DisableStartupMessage: true,
	})

	s := &ApiServer{
		app:       app,
		session:   ctrl,
		meetings:  meetings,
		identity:  identity,
		logger:    log,
		keepAlive: 15 * time.Second,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *ApiServer) setupMiddleware() {
	s.app.Use(recover.New())
	if s.logger.Level() <= logger.DebugLevel {
		s.app.Use(fiberlogger.New())
	}
}

func (s *ApiServer) setupRoutes() {
	s.app.Get("/health", s.handleHealth)

	apiGroup := s.app.Group("/api")

	apiGroup.Get("/session", s.handleSession)
	apiGroup.Get("/session/events", s.handleSessionEvents)
	apiGroup.Post("/session/join", s.handleJoin)

	apiGroup.Get("/media/remote/:id/stats", s.handleRemoteStats)
	apiGroup.Post("/media/:kind", s.handleOpenMedia)
	apiGroup.Delete("/media/:kind", s.handleCloseMedia)

	apiGroup.Put("/chat/draft", s.handleChatDraft)
	apiGroup.Post("/chat/send", s.handleChatSend)
	apiGroup.Get("/chat/transcript", s.handleTranscript)

	apiGroup.Post("/attention", s.handleRequestAttention)
	apiGroup.Post("/attention/:id/accept", s.handleAcceptAttention)
	apiGroup.Post("/attention/:id/reject", s.handleRejectAttention)

	apiGroup.Post("/meeting/end", s.handleEndMeeting)
}

// App returns the underlying Fiber app
func (s *ApiServer) App() *fiber.App {
	return s.app
}

// Start starts the HTTP server
func (s *ApiServer) Start(addr string) error {
	s.logger.Info("[Api] Listening on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *ApiServer) Shutdown(ctx context.Context) error {
	s.logger.Info("[Api] Shutdown requested")
	return s.app.ShutdownWithContext(ctx)
}

func (s *ApiServer) handleHealth(c *fiber.Ctx) error {
	return api.SuccessResp(c, fiber.Map{
		"status": "healthy",
	})
}

func (s *ApiServer) handleSession(c *fiber.Ctx) error {
	return api.SuccessResp(c, s.session.State())
}

// snapshotEvent carries one state snapshot on the event stream
type snapshotEvent struct {
	seq  int
	data []byte
}

func (e snapshotEvent) Id() string    { return strconv.Itoa(e.seq) }
func (e snapshotEvent) Event() string { return "state" }
func (e snapshotEvent) Data() string  { return string(e.data) }

// handleSessionEvents streams every snapshot the store publishes until the
// client goes away or the session closes.
func (s *ApiServer) handleSessionEvents(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	states, cancel := s.session.Subscribe()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()

		enc := eventsource.NewEncoder(w, false)
		seq := 0
		for {
			select {
			case state, ok := <-states:
				if !ok {
					return
				}
				data, err := json.Marshal(state)
				if err != nil {
					s.logger.Warn("[Api] Failed to encode snapshot: %v", err)
					continue
				}
				seq++
				if err := enc.Encode(snapshotEvent{seq: seq, data: data}); err != nil {
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": keepalive\n\n"); err != nil {
					return
				}
			}
			if err := w.Flush(); err != nil {
				s.logger.Debug("[Api] Event stream closed: %v", err)
				return
			}
		}
	})
	return nil
}

func (s *ApiServer) handleJoin(c *fiber.Ctx) error {
	if err := s.session.JoinMeeting(c.UserContext()); err != nil {
		return errorResp(c, err)
	}
	return api.SuccessResp(c, s.session.State())
}

func (s *ApiServer) handleOpenMedia(c *fiber.Ctx) error {
	kind, err := media.ParseProducerKind(c.Params("kind"))
	if err != nil {
		return api.ErrorBadRequestResp(c, err.Error())
	}
	if err := s.session.OpenMedia(c.UserContext(), kind); err != nil {
		return errorResp(c, err)
	}
	return api.SuccessResp(c, s.session.State().Self)
}

func (s *ApiServer) handleCloseMedia(c *fiber.Ctx) error {
	kind, err := media.ParseProducerKind(c.Params("kind"))
	if err != nil {
		return api.ErrorBadRequestResp(c, err.Error())
	}
	if err := s.session.CloseMedia(c.UserContext(), kind); err != nil {
		return errorResp(c, err)
	}
	return api.SuccessResp(c, s.session.State().Self)
}

func (s *ApiServer) handleRemoteStats(c *fiber.Ctx) error {
	stats, err := s.session.RemoteStats(c.Params("id"))
	if err != nil {
		return errorResp(c, err)
	}
	return api.SuccessResp(c, stats)
}

func (s *ApiServer) handleChatDraft(c *fiber.Ctx) error {
	var req struct {
		Message string `json:"message"`
	}
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}
	if err := s.session.EnterMessage(req.Message); err != nil {
		return errorResp(c, err)
	}
	return api.SuccessResp(c, s.session.State().ChatBox)
}

func (s *ApiServer) handleChatSend(c *fiber.Ctx) error {
	if err := s.session.SendChatMessage(); err != nil {
		return errorResp(c, err)
	}
	return api.SuccessResp(c, s.session.State().ChatBox)
}

func (s *ApiServer) handleTranscript(c *fiber.Ctx) error {
	messages, err := s.session.Transcript()
	if err != nil {
		return errorResp(c, err)
	}
	return api.SuccessResp(c, fiber.Map{
		"chatMessages": messages,
	})
}

func (s *ApiServer) handleRequestAttention(c *fiber.Ctx) error {
	if err := s.session.RequestAttention(); err != nil {
		return errorResp(c, err)
	}
	return api.SuccessResp(c, fiber.Map{"status": "requested"})
}

func (s *ApiServer) handleAcceptAttention(c *fiber.Ctx) error {
	if err := s.session.AcceptAttention(c.Params("id")); err != nil {
		return errorResp(c, err)
	}
	return api.SuccessResp(c, s.session.State().AttentionRequests)
}

func (s *ApiServer) handleRejectAttention(c *fiber.Ctx) error {
	if err := s.session.RejectAttention(c.Params("id")); err != nil {
		return errorResp(c, err)
	}
	return api.SuccessResp(c, s.session.State().AttentionRequests)
}

func (s *ApiServer) handleEndMeeting(c *fiber.Ctx) error {
	if s.meetings == nil {
		return api.ErrorUnavailableResp(c, "Meeting service is not configured")
	}
	participantID, err := auth.Require(c.UserContext(), s.identity)
	if err != nil {
		return api.ErrorUnauthorizedResp(c, err.Error())
	}

	meetingID := s.session.State().MeetingID
	if err := s.meetings.EndMeeting(c.UserContext(), meetingID, participantID); err != nil {
		return api.ErrorCodeResp(c, fiber.StatusBadGateway, err.Error())
	}
	return api.SuccessResp(c, fiber.Map{"meetingId": meetingID})
}

// errorResp maps session and media errors onto HTTP status codes
func errorResp(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, media.ErrUnknownKind):
		return api.ErrorBadRequestResp(c, err.Error())
	case errors.Is(err, session.ErrUnknownMedia):
		return api.ErrorNotFoundResp(c, err.Error())
	case errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrNotJoined),
		errors.Is(err, session.ErrMeetingEnded),
		errors.Is(err, session.ErrSessionChanged),
		errors.Is(err, media.ErrProducerExists),
		errors.Is(err, media.ErrProducerPending),
		errors.Is(err, media.ErrNoProducer),
		errors.Is(err, media.ErrCloseInProgress),
		errors.Is(err, media.ErrAlreadyConsuming):
		return api.ErrorConflictResp(c, err.Error())
	case errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, signaling.ErrNotConnected),
		errors.Is(err, signaling.ErrDisconnected),
		errors.Is(err, signaling.ErrDisposed),
		errors.Is(err, signaling.ErrRequestTimeout):
		return api.ErrorUnavailableResp(c, err.Error())
	default:
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
}

// customErrorHandler handles errors
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	return c.Status(code).JSON(api.ApiResponse{
		Success: false,
		Error: &api.ApiError{
			Code:    code,
			Message: err.Error(),
		},
	})
}
