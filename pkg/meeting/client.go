package meeting

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/tphan267/guggleweed-client/pkg/api"
	"github.com/tphan267/guggleweed-client/pkg/logger"
	"github.com/tphan267/guggleweed-client/pkg/utils"
)

const headerParticipantID = "x-participant-id"

// Attendee is a participant of a meeting and the producers it publishes
type Attendee struct {
	AttendeeID  string   `json:"attendeeId"`
	ProducerIDs []string `json:"producerIds"`
}

type attendeesResponse struct {
	Attendees []Attendee `json:"attendees"`
}

type startResponse struct {
	MeetingID string `json:"meetingId"`
}

type hostResponse struct {
	HostID string `json:"hostId"`
}

// Client talks to the meeting HTTP endpoints of the conferencing server
type Client struct {
	baseURL string
	timeout time.Duration
	logger  *logger.Logger
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Discard()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, timeout: timeout, logger: log}
}

// StartMeeting creates a meeting hosted by participantID and returns its id
func (c *Client) StartMeeting(ctx context.Context, participantID string) (string, error) {
	var resp startResponse
	agent := fiber.Post(utils.JoinURL(c.baseURL, "/meetings/start")).Set(headerParticipantID, participantID)
	if err := c.do(ctx, agent, &resp); err != nil {
		return "", fmt.Errorf("failed to start meeting: %w", err)
	}
	if resp.MeetingID == "" {
		return "", fmt.Errorf("failed to start meeting: %w: no meeting id", api.ErrMalformedResult)
	}
	c.logger.Info("[Meeting] Started meeting %s", resp.MeetingID)
	return resp.MeetingID, nil
}

// EndMeeting ends a meeting on behalf of participantID
func (c *Client) EndMeeting(ctx context.Context, meetingID, participantID string) error {
	agent := fiber.Post(c.meetingURL(meetingID, "end")).Set(headerParticipantID, participantID)
	if err := c.do(ctx, agent, nil); err != nil {
		return fmt.Errorf("failed to end meeting %s: %w", meetingID, err)
	}
	c.logger.Info("[Meeting] Ended meeting %s", meetingID)
	return nil
}

// HostID returns the participant hosting a meeting
func (c *Client) HostID(ctx context.Context, meetingID string) (string, error) {
	var resp hostResponse
	if err := c.do(ctx, fiber.Get(c.meetingURL(meetingID, "hostId")), &resp); err != nil {
		return "", fmt.Errorf("failed to get host of %s: %w", meetingID, err)
	}
	return resp.HostID, nil
}

// Attendees lists the attendees of a meeting with their producers
func (c *Client) Attendees(ctx context.Context, meetingID string) ([]Attendee, error) {
	var resp attendeesResponse
	if err := c.do(ctx, fiber.Get(c.meetingURL(meetingID, "attendees")), &resp); err != nil {
		return nil, fmt.Errorf("failed to list attendees of %s: %w", meetingID, err)
	}
	return resp.Attendees, nil
}

func (c *Client) meetingURL(meetingID, action string) string {
	return utils.JoinURL(c.baseURL, "/meetings/"+url.PathEscape(meetingID)+"/"+action)
}

// do sends the request and unwraps the result envelope into out. The agent
// is released by Bytes.
func (c *Client) do(ctx context.Context, agent *fiber.Agent, out any) error {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		fiber.ReleaseAgent(agent)
		return err
	}

	code, body, errs := agent.
		Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON).
		Timeout(timeout).
		Bytes()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := api.UnwrapBytes(body, out); err != nil {
		if errors.Is(err, api.ErrMalformedResult) && code >= fiber.StatusBadRequest {
			return fmt.Errorf("server responded with status %d", code)
		}
		return err
	}
	return nil
}
