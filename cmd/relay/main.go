package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/Kashmala488/Learning-Sync-sub000/internal/adapters/http"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/config"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/relay"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/relay/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file")
	}

	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		issue(cfg, os.Args[2:])
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	records, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open call records")
	}
	defer func() {
		if err := records.Close(); err != nil {
			log.Error().Err(err).Msg("close call records")
		}
	}()

	hub := relay.NewHub(relay.Config{
		Secret:        []byte(cfg.Secret),
		ModeratorRole: cfg.ModeratorRole,
		ReadLimit:     cfg.ReadLimit,
		PingPeriod:    cfg.PingPeriod,
		SendQueue:     cfg.SendQueue,
		ChatLimit:     cfg.ChatLimit,
		ChatWindow:    cfg.ChatWindow,
	}, records)

	r := router.SetupRelayRouter(cfg, hub)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

// issue prints a signed token, for development clients.
func issue(cfg *config.RelayConfig, args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	name := fs.String("name", "", "display name")
	role := fs.String("role", "", "role, e.g. "+cfg.ModeratorRole)
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args)
	if *user == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	token, err := relay.IssueToken([]byte(cfg.Secret), domain.ParticipantID(*user), *name, *role, *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("sign token")
	}
	fmt.Println(token)
}
