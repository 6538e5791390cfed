// clientd is the participant side: it receives image updates over a
// chosen transport and captures one audio segment per presented image,
// posting finished segments to the sink.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/capture"
	"github.com/mwickert/elicit/internal/config"
	"github.com/mwickert/elicit/internal/domain"
	"github.com/mwickert/elicit/internal/transport"
)

func main() {
	transportFlag := flag.String("transport", "relayed", "transport: relayed, broker or peer")
	userFlag := flag.String("user", "client1", "client identity")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	kind, err := transport.ParseKind(*transportFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("bad transport")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	proto, err := transport.New(kind, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("transport setup failed")
	}

	machine := capture.NewMachine(capture.NewMemoryRecorder(), capture.NewSinkClient(cfg.SegmentURL))
	proto.OnSessionStart(func(s domain.Session) {
		log.Info().Str("session", string(s.ID)).Str("evaluator", string(s.EvaluatorID)).Msg("session started")
		machine.BindSession(s)
	})
	proto.OnImageUpdate(func(u domain.ImageUpdate) {
		log.Info().Int("image", u.ImageIndex).Str("url", u.ImageURL).Msg("image presented")
		machine.HandleImageUpdate(u)
	})
	proto.OnSessionEnd(func() {
		log.Info().Msg("session ended")
		machine.HandleSessionEnd()
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := proto.Connect(ctx, domain.UserID(*userFlag), domain.RoleClient); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	log.Info().Str("transport", string(kind)).Str("user", *userFlag).Msg("waiting for sessions")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	machine.HandleSessionEnd()
	proto.Disconnect(context.Background())
}
