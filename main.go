package main

import (
	"context"
	"crypto/tls"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"qlserver/chat"
	"qlserver/config"
	"qlserver/logging"
	"qlserver/ratelimit"
	"qlserver/server"
	"qlserver/store"
	"qlserver/store/sqlite"
	"qlserver/workerpool"
)

func main() {
	cfg, err := config.Load(os.Getenv("QLS_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.Debug)
	defer logger.Sync()

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		logger.Fatalw("failed to load TLS certificate", "error", err)
	}

	st, closeStore := openStore(cfg, logger)
	defer closeStore()

	manager := chat.NewManager()
	if err := restoreCredentials(context.Background(), manager, st, logger); err != nil {
		logger.Fatalw("failed to restore credentials", "error", err)
	}

	limiter := ratelimit.New(cfg.GlobalCapacity, cfg.SingleCapacity)
	pool := workerpool.New()
	defer pool.Close()

	network := server.New(cfg, tlsConfig, manager, limiter, pool, st, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sweeperStop := make(chan struct{})

	go network.RunSweeper(sweeperStop)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- network.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infow("received signal, shutting down", "signal", sig)
		cancel()
		close(sweeperStop)
		<-serveErr
	case err := <-serveErr:
		close(sweeperStop)
		if err != nil {
			logger.Fatalw("listener stopped unexpectedly", "error", err)
		}
	}
}

func loadTLSConfig(cfg *config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// openStore builds the sqlite-backed Store when a database path is
// configured, falling back to the in-memory Noop store otherwise; the
// returned close func is always safe to defer.
func openStore(cfg *config.Config, logger *zap.SugaredLogger) (store.Store, func()) {
	if cfg.DBPath == "" {
		return store.Noop{}, func() {}
	}
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		logger.Fatalw("failed to open credential store", "error", err, "path", cfg.DBPath)
		return store.Noop{}, func() {}
	}
	return db, func() { db.Close() }
}

// restoreCredentials repopulates the in-memory user registry from every
// persisted credential, then advances the id allocator past the highest
// restored id so freshly registered users never collide with one loaded
// from disk.
func restoreCredentials(ctx context.Context, manager *chat.Manager, st store.Store, logger *zap.SugaredLogger) error {
	creds, err := st.LoadCredentials(ctx)
	if err != nil {
		return err
	}
	var highest int64 = -1
	for _, cred := range creds {
		manager.RestoreUser(chat.UserID(cred.UserID), cred.Password)
		if cred.UserID > highest {
			highest = cred.UserID
		}
	}
	if highest >= 0 {
		manager.SkipUserIDsUpTo(highest + 1)
	}
	logger.Infow("restored credentials", "count", len(creds))
	return nil
}
