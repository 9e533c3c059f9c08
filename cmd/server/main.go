package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/blukai/stabparty/internal/gateway"
	"github.com/blukai/stabparty/internal/protocol"
	"github.com/blukai/stabparty/internal/session"
	"github.com/blukai/stabparty/internal/staticfiles"
	"github.com/blukai/stabparty/internal/tlsident"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	ListenAddr4 string `envconfig:"LISTEN_ADDR4" default:"0.0.0.0:8443"`
	WebRoot     string `envconfig:"WEB_ROOT" default:"./webclient"`
	CertFile    string `envconfig:"CERT_FILE" default:"./server.crt"`
	KeyFile     string `envconfig:"KEY_FILE" default:"./server.key"`
	MinPlayers  int    `envconfig:"MIN_PLAYERS" default:"1"`
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

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

type sessionHandler struct {
	mgr *session.Manager
}

func (h sessionHandler) HandleConnect(connID string) {}

func (h sessionHandler) HandleMessage(connID string, msg protocol.Message) {
	h.mgr.HandleMessage(connID, msg)
}

func (h sessionHandler) HandleDisconnect(connID string) {
	h.mgr.HandleDisconnect(connID)
}

// runEventLog drains session events. The world simulation subscribes here
// once it exists; until then the host at least gets a visible trail.
func runEventLog(ctx context.Context, mgr *session.Manager, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-mgr.Events():
			switch ev.Kind {
			case session.EventJoined:
				logger.Info().Str("player", ev.Player.Name).Msg("joined")
			case session.EventLeft:
				logger.Info().Str("player", ev.Player.Name).Msg("left")
			case session.EventDisconnected:
				logger.Info().Str("player", ev.Player.Name).Msg("disconnected")
			case session.EventReconnected:
				logger.Info().
					Str("player", ev.Player.Name).
					Str("oldConn", ev.OldID).
					Msg("reconnected")
			case session.EventShook:
				logger.Info().Str("player", ev.Player.Name).Msg("shook")
			case session.EventGameStarted:
				logger.Info().Str("mode", ev.GameMode).Msg("game started")
			case session.EventLobbyReset:
				logger.Info().Msg("lobby reset")
			}
		}
	}
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger()

	cert, err := tlsident.Load(config.CertFile, config.KeyFile, logger)
	if err != nil {
		return fmt.Errorf("could not load tls identity: %w", err)
	}

	files := staticfiles.NewHandler(config.WebRoot, logger)

	gw, err := gateway.NewServer("tcp4", config.ListenAddr4,
		&tls.Config{Certificates: []tls.Certificate{cert}}, files, logger)
	if err != nil {
		return fmt.Errorf("could not construct gateway: %w", err)
	}

	mgr := session.NewManager(gw, config.MinPlayers, logger)
	gw.SetHandler(sessionHandler{mgr: mgr})

	logger.Info().Msgf("started server on %s", config.ListenAddr4)
	logger.Info().Msgf("point phones at https://%s:%s", gateway.LocalIPAddress(), portOf(config.ListenAddr4))

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var gatewayRunErr error
	go func() {
		defer wg.Done()
		gatewayRunErr = gw.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runEventLog(ctx, mgr, logger)
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()
	if gatewayRunErr != nil {
		return fmt.Errorf("gateway run failed: %w", gatewayRunErr)
	}

	return nil
}

func portOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[i+1:]
		}
	}
	return addr
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
