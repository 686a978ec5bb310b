package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vctt94/bisonbotkit/logging"

	"github.com/leravalera4/rps-game/server"
)

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain() error {
	defaultDir := ".rpsd"
	if home, err := os.UserHomeDir(); err == nil {
		defaultDir = filepath.Join(home, ".rpsd")
	}
	dataDir := flag.String("datadir", defaultDir, "data directory")
	flag.Parse()

	cfg, err := loadConfig(*dataDir)
	if err != nil {
		return err
	}

	bknd, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(*dataDir, "logs", "rpsd.log"),
		DebugLevel:     cfg.DebugLevel,
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
	})
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	log := bknd.Logger("RPSD")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewServer(server.Config{
		Dir:            *dataDir,
		ListenAddr:     cfg.ListenAddr,
		RPCEndpoint:    cfg.RPCEndpoint,
		ProgramHex:     cfg.ProgramAddress,
		ServiceKeyHex:  cfg.ServiceKey,
		PlatformWallet: cfg.PlatformWallet,
		LogBackend:     bknd,
	})
	if err != nil {
		return err
	}

	log.Infof("rpsd listening on %s", cfg.ListenAddr)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Infof("rpsd shut down")
	return nil
}
