package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/netrumble/internal/config"
	"github.com/blukai/netrumble/internal/lobbyserver"
	"github.com/blukai/netrumble/internal/logging"
	"github.com/blukai/netrumble/internal/transport/netudp"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	LobbyServerAddr4 string        `envconfig:"LOBBY_SERVER_ADDR4" required:"true" default:"0.0.0.0:5000"`
	TickInterval     time.Duration `envconfig:"LOBBY_TICK_INTERVAL" default:"5ms"`
	ConnTimeout      time.Duration `envconfig:"LOBBY_CONN_TIMEOUT" default:"10s"`

	config.Log
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	return config, nil
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := logging.New(config.Logging())

	opts := netudp.DefaultOptions()
	opts.Timeout = config.ConnTimeout
	ep, err := netudp.Listen("udp4", config.LobbyServerAddr4, opts, logger)
	if err != nil {
		return fmt.Errorf("could not listen: %w", err)
	}
	lobbyServer := lobbyserver.NewLobbyServer(ep, logger)
	logger.Info().Msgf("started lobby server on %s", lobbyServer.Addr())

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var lobbyServerRunErr error
	go func() {
		defer wg.Done()
		lobbyServerRunErr = lobbyServer.Run(ctx, config.TickInterval)
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()
	if lobbyServerRunErr != nil {
		return fmt.Errorf("lobby server run failed: %w", lobbyServerRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "lobby server failed: %v\n", err)
		os.Exit(42)
	}
}
