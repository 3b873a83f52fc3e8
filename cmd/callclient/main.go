package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/adapters/callapi"
	router "github.com/Kashmala488/Learning-Sync-sub000/internal/adapters/http"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/adapters/rtc"
	sigchan "github.com/Kashmala488/Learning-Sync-sub000/internal/adapters/signal"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/session"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/config"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/media"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file")
	}

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	creds := callapi.NewTokenSource(cfg.AuthURL, cfg.Identity.Token, cfg.Identity.RefreshToken, nil)
	calls := callapi.New(cfg.APIURL, creds, nil)

	group := domain.GroupID(cfg.GroupID)
	room := domain.RoomID(cfg.RoomID)
	if room == "" {
		resolveCtx, resolveCancel := context.WithTimeout(ctx, 10*time.Second)
		room, err = session.ResolveRoom(resolveCtx, calls, group, cfg.CreateCall)
		resolveCancel()
		if err != nil {
			log.Fatal().Err(err).Str("group_id", cfg.GroupID).Msg("no call to join")
		}
	}

	factory, err := rtc.NewFactory(rtc.Config{
		ICEServers:    cfg.ICEServers,
		GatherTimeout: cfg.GatherTimeout,
		Loopback:      cfg.Loopback,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build webrtc api")
	}

	devices := media.NewFileDevices(cfg.Devices.Camera, cfg.Devices.Microphone, cfg.Devices.Screen)
	channel := sigchan.NewChannel(sigchan.Config{
		URL:          cfg.RelayURL,
		InitialDelay: cfg.Reconnect.InitialDelay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
	})

	deps := session.Deps{
		Channel:     channel,
		Credentials: creds,
		Factory:     factory,
		Media:       media.NewSource(devices, cfg.Identity.UserID),
	}
	if group != "" {
		deps.Calls = calls
	}
	sess, err := session.New(session.Config{
		RoomID:      room,
		GroupID:     group,
		Local:       domain.Participant{ID: domain.ParticipantID(cfg.Identity.UserID), DisplayName: cfg.Identity.Name},
		JoinTimeout: cfg.JoinTimeout,
	}, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session")
	}

	var recorder *media.Recorder
	if cfg.RecordDir != "" {
		recorder = media.NewRecorder(cfg.RecordDir)
	}
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		watch(ctx, sess, recorder)
	}()

	var srv *http.Server
	if cfg.ControlAddr != "" {
		srv = &http.Server{
			Addr:    cfg.ControlAddr,
			Handler: router.SetupControlRouter(cfg.Mode, sess),
		}
		go func() {
			log.Info().Str("addr", cfg.ControlAddr).Msg("control api started")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("control api error")
			}
		}()
	}

	log.Info().Str("room_id", string(room)).Str("relay", cfg.RelayURL).Msg("joining")
	if err := sess.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to join")
	} else {
		go newConsole(sess, os.Stdout).run(ctx, os.Stdin)
	}

	select {
	case <-ctx.Done():
		sess.Leave()
		<-sess.Done()
	case <-sess.Done():
	}
	<-watched

	if recorder != nil {
		recorder.StopAll()
	}
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("control api forced to shutdown")
		}
	}
	if err := sess.Err(); err != nil {
		log.Error().Err(err).Msg("session failed")
		cancel()
		os.Exit(1)
	}
	log.Info().Msg("left the call")
}

// watch prints session events and feeds remote tracks to the recorder.
func watch(ctx context.Context, sess *session.Controller, recorder *media.Recorder) {
	recorded := make(map[domain.ParticipantID]bool)
	for {
		select {
		case <-sess.Done():
			for {
				select {
				case ev := <-sess.Events():
					printEvent(os.Stdout, ev)
				default:
					return
				}
			}
		case ev := <-sess.Events():
			printEvent(os.Stdout, ev)
			if recorder == nil {
				continue
			}
			switch ev.Kind {
			case session.EventRemoteTrack:
				if err := recorder.Record(ctx, ev.Peer, ev.Track); err != nil {
					log.Warn().Err(err).Str("participant_id", string(ev.Peer)).Msg("recording not started")
					continue
				}
				recorded[ev.Peer] = true
			case session.EventParticipantsChanged:
				stopDeparted(recorder, recorded, ev.Participants)
			}
		}
	}
}

// stopDeparted ends the recordings of participants no longer present.
func stopDeparted(recorder *media.Recorder, recorded map[domain.ParticipantID]bool, present []domain.Participant) {
	here := make(map[domain.ParticipantID]bool, len(present))
	for _, p := range present {
		here[p.ID] = true
	}
	for peer := range recorded {
		if !here[peer] {
			recorder.Stop(peer)
			delete(recorded, peer)
		}
	}
}
