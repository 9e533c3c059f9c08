package main

// fake phone controller for poking at a running server without a real phone:
// joins the party, wiggles the stick, and logs whatever the host sends back.

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blukai/stabparty/internal/controllerclient"
	"github.com/blukai/stabparty/internal/protocol"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	ServerAddr string `envconfig:"SERVER_ADDR" default:"127.0.0.1:8443"`
	PlayerName string `envconfig:"PLAYER_NAME" default:""`
	DeviceID   string `envconfig:"DEVICE_ID" default:"fakecontroller-1"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger() *log.Logger {
	logger := log.DefaultLogger

	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func runInputWiggle(ctx context.Context, client *controllerclient.Client, logger *log.Logger) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(start).Seconds()
			err := client.SendInput(&protocol.Input{
				MoveX:       math.Sin(elapsed),
				MoveY:       math.Cos(elapsed),
				OrientAlpha: math.Mod(elapsed*90, 360),
			})
			if err != nil {
				logger.Error().Msgf("could not send input: %v", err)
				return
			}
		}
	}
}

func runRecvLog(ctx context.Context, client *controllerclient.Client, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg, err := client.Recv()
			if err != nil {
				continue // just a timeout; keep listening
			}
			logger.Info().
				Str("type", msg.MessageType()).
				Any("msg", msg).
				Msg("recv")
		}
	}
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger()

	client, err := controllerclient.Dial(config.ServerAddr, logger)
	if err != nil {
		return fmt.Errorf("could not connect: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	welcome, err := client.Join(config.PlayerName, config.DeviceID)
	if err != nil {
		return fmt.Errorf("could not join: %w", err)
	}
	logger.Info().
		Str("playerId", welcome.PlayerID).
		Str("color", welcome.PlayerColor).
		Msg("joined party")

	go runInputWiggle(ctx, client, logger)
	go runRecvLog(ctx, client, logger)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	return client.Close()
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
