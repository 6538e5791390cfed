// evalctl drives an image sequence to a client over a chosen transport
// and reports delivery metrics at the end of the run.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/config"
	"github.com/mwickert/elicit/internal/domain"
	"github.com/mwickert/elicit/internal/transport"
)

func main() {
	transportFlag := flag.String("transport", "relayed", "transport: relayed, broker or peer")
	userFlag := flag.String("user", "eval1", "evaluator identity")
	clientFlag := flag.String("client", "", "client identity to pair with")
	imagesFlag := flag.String("images", "", "comma-separated image URLs to present in order")
	signedFlag := flag.String("signed", "", "comma-separated signed URLs, aligned with -images")
	intervalFlag := flag.Duration("interval", 5*time.Second, "dwell time per image")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if *clientFlag == "" || *imagesFlag == "" {
		log.Fatal().Msg("both -client and -images are required")
	}
	images := strings.Split(*imagesFlag, ",")
	var signed []string
	if *signedFlag != "" {
		signed = strings.Split(*signedFlag, ",")
		if len(signed) != len(images) {
			log.Fatal().Msg("-signed must list one URL per image")
		}
	}

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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := proto.Connect(ctx, domain.UserID(*userFlag), domain.RoleEvaluator); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	defer proto.Disconnect(context.Background())

	if err := proto.StartSession(ctx, domain.UserID(*clientFlag)); err != nil {
		log.Fatal().Err(err).Msg("session start failed")
	}
	log.Info().Str("transport", string(kind)).Str("client", *clientFlag).Int("images", len(images)).Msg("sequence starting")

	for i, url := range images {
		var signedURL string
		if signed != nil {
			signedURL = signed[i]
		}
		proto.SendImageUpdate(ctx, i, url, signedURL)
		log.Info().Int("image", i).Str("url", url).Msg("presented")

		select {
		case <-time.After(*intervalFlag):
		case <-ctx.Done():
			log.Warn().Msg("interrupted, ending session early")
		}
		if ctx.Err() != nil {
			break
		}
	}

	proto.EndSession(context.Background())

	m := proto.Metrics()
	log.Info().
		Int("samples", m.SampleCount).
		Float64("avgMs", m.AvgMs).
		Float64("minMs", m.MinMs).
		Float64("maxMs", m.MaxMs).
		Int("ok", m.SuccessfulMessages).
		Int("failed", m.FailedMessages).
		Int("reconnects", m.ReconnectionAttempts).
		Msg("run finished")
}
