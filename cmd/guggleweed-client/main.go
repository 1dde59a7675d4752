package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tphan267/guggleweed-client/apis"
	"github.com/tphan267/guggleweed-client/pkg/auth"
	"github.com/tphan267/guggleweed-client/pkg/config"
	"github.com/tphan267/guggleweed-client/pkg/logger"
	"github.com/tphan267/guggleweed-client/pkg/media"
	"github.com/tphan267/guggleweed-client/pkg/meeting"
	"github.com/tphan267/guggleweed-client/pkg/session"
	"github.com/tphan267/guggleweed-client/pkg/signaling"
	"github.com/tphan267/guggleweed-client/pkg/storage"
	"github.com/tphan267/guggleweed-client/pkg/utils"
)

var version = "dev"

func main() {
	var (
		configFile string
		logLevel   string
		start      bool
		join       bool
	)
	flag.StringVar(&configFile, "config", "guggleweed.yaml", "Path to the configuration file")
	flag.StringVar(&logLevel, "loglevel", "", "Set the log level (debug, info, warn, error)")
	flag.BoolVar(&start, "start", false, "Start a new meeting when no meeting id is configured")
	flag.BoolVar(&join, "join", false, "Join the meeting as soon as the session is ready")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(version, configFile, logLevel)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	appLogger := logger.NewDefault("GUGGLE")
	appLogger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	appLogger.Info("Starting guggleweed client %s...", cfg.Version)
	appLogger.Info("Participant: %s", utils.MaskID(cfg.ParticipantID))

	// Initialize storage
	store, err := storage.NewSQLiteStorage(cfg.DBPath, appLogger)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	timeout := cfg.GetRequestTimeout()
	identity := auth.StaticIdentity(cfg.ParticipantID)
	meetings := meeting.NewClient(cfg.ServerURL, timeout, appLogger)

	ctx := context.Background()
	meetingID, err := resolveMeeting(ctx, cfg.MeetingID, start, identity, meetings)
	if err != nil {
		log.Fatalf("Failed to resolve meeting: %v", err)
	}
	appLogger.Info("Meeting: %s", meetingID)

	channel := signaling.NewChannelWithPath(cfg.ServerURL, cfg.SignalingPath, appLogger)
	channel.SetRequestTimeout(timeout)

	device := media.NewPionDevice(cfg.STUNServers, appLogger)
	acquirer := media.NewFileAcquirer(mediaSources(cfg), appLogger)
	manager := media.NewManager(channel, device, acquirer, appLogger)

	ctrl, err := session.NewController(session.Options{
		ParticipantID: cfg.ParticipantID,
		MeetingID:     meetingID,
		Channel:       channel,
		Media:         manager,
		Attendees:     meetings,
		Journal:       store.JournalRepo(),
		Logger:        appLogger,
	})
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	if err := ctrl.Start(ctx); err != nil {
		appLogger.Error("Failed to connect signaling: %v", err)
	} else if join {
		go func() {
			if err := joinWhenReady(ctx, ctrl); err != nil {
				appLogger.Error("Failed to join meeting: %v", err)
			}
		}()
	}

	// Create API server
	srv := apis.New(ctrl, meetings, identity, appLogger)

	// Start server in a goroutine
	go func() {
		if err := srv.Start(cfg.ServerAddr); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down...")

	// Dispose first: it closes the session streams held open by SSE clients
	ctrl.Dispose()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server shutdown error: %v", err)
	}

	appLogger.Info("Client exited")
}

// Joiner is the part of the session the -join flag drives
type Joiner interface {
	Subscribe() (<-chan session.State, func())
	JoinMeeting(ctx context.Context) error
}

// joinWhenReady waits until the signaling channel is ready, then joins. It
// gives up once the session can no longer reach the ready state.
func joinWhenReady(ctx context.Context, ctrl Joiner) error {
	states, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-states:
			if !ok {
				return session.ErrSessionClosed
			}
			switch {
			case !s.Live():
				return session.ErrMeetingEnded
			case s.Connection == session.StateReady:
				return ctrl.JoinMeeting(ctx)
			case s.Connection == session.StateJoining, s.Connection == session.StateJoined:
				return nil
			case s.Connection.Terminal():
				return fmt.Errorf("%w: %s", session.ErrNotReady, s.Connection)
			}
		}
	}
}

// MeetingStarter creates meetings on the conferencing server
type MeetingStarter interface {
	StartMeeting(ctx context.Context, participantID string) (string, error)
}

// resolveMeeting returns the configured meeting id, or starts a new meeting
// when allowed.
func resolveMeeting(ctx context.Context, configured string, start bool, identity auth.IdentityProvider, starter MeetingStarter) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if !start {
		return "", errors.New("meeting_id is not configured, pass -start to create one")
	}

	participantID, err := auth.Require(ctx, identity)
	if err != nil {
		return "", err
	}
	return starter.StartMeeting(ctx, participantID)
}

// mediaSources maps the configured files onto producer kinds, skipping
// kinds without a file.
func mediaSources(cfg *config.Config) map[media.ProducerKind]string {
	sources := make(map[media.ProducerKind]string)
	for _, kind := range media.ProducerKinds {
		if path := cfg.SourceFor(string(kind)); path != "" {
			sources[kind] = path
		}
	}
	return sources
}
