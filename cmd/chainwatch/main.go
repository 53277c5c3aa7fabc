// chainwatch watches configured EVM chains for deposits into derived
// custodial wallets, records them durably, and pushes realtime events
// to subscribed clients. One process monitors every configured chain.
package main

import (
	"context"
	"errors"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/chainwatch/internal/api"
	"github.com/adred-codev/chainwatch/internal/config"
	"github.com/adred-codev/chainwatch/internal/emitter"
	"github.com/adred-codev/chainwatch/internal/logging"
	"github.com/adred-codev/chainwatch/internal/monitor"
	"github.com/adred-codev/chainwatch/internal/persist"
	"github.com/adred-codev/chainwatch/internal/registry"
	"github.com/adred-codev/chainwatch/internal/rpcgate"
	"github.com/adred-codev/chainwatch/internal/store"
	"github.com/adred-codev/chainwatch/internal/wallet"
)

const shutdownTimeout = 10 * time.Second

func main() {
	bootstrap := logging.New("info", "json")

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("configuration error")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	if err := run(logger, cfg); err != nil {
		logger.Fatal().Err(err).Msg("chainwatch exited with error")
	}
	logger.Info().Msg("chainwatch stopped")
}

func run(logger zerolog.Logger, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	// Emitters: websocket hub always, NATS when configured.
	auth := api.NewAuthenticator(cfg.JWTSecret)
	hub := emitter.NewHub(logger, auth.WSAuth)
	sinks := emitter.Fanout{hub}

	var natsHealth func() bool
	if cfg.NATSURL != "" {
		nats, err := emitter.NewNATSSink(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nats.Close()
		sinks = append(sinks, nats)
		natsHealth = nats.IsConnected
	}

	gate := rpcgate.New(cfg.MaxConcurrentRPC, cfg.HeadBlockSpacing, cfg.RPCTimeout)
	reg := registry.New(logger, st)

	// The pipeline's balance lookups go through the engine, which is
	// built after the pipeline; the closure resolves the cycle.
	var engine *monitor.Engine
	pipeline := persist.New(logger, st, sinks,
		func(ctx context.Context, chainID uint64, w string) (*big.Int, error) {
			return engine.Balance(ctx, chainID, w)
		}, 4*cfg.DBBatchSize, 2)

	engine = monitor.NewEngine(ctx, logger, cfg, gate, reg, pipeline)
	if len(engine.ChainIDs()) == 0 {
		return errors.New("no chain could be dialed")
	}

	if err := reg.Load(ctx, engine.ChainIDs(), cfg.DBBatchSize); err != nil {
		return err
	}

	txClients := make(map[uint64]wallet.TxClient, len(engine.ChainIDs()))
	for _, id := range engine.ChainIDs() {
		if c, ok := engine.Client(id); ok {
			txClients[id] = c.Eth()
		}
	}
	withdrawals := wallet.NewService(logger, st, pipeline, gate, txClients, cfg.WalletSecret)

	srv := api.NewServer(logger, cfg, engine, withdrawals, st, hub, natsHealth)

	pipeline.Start(ctx)
	defer pipeline.Stop()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx)
	}()

	if cfg.MetricsInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.MetricsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for _, d := range engine.Diagnostics() {
						logger.Debug().
							Uint64("chain", d.ChainID).
							Uint64("head", d.LastKnownHead).
							Uint64("last_checked", d.LastCheckedBlock).
							Uint64("behind", d.BlocksSinceCheck).
							Bool("stream", d.StreamConnected).
							Int("wallets", d.WalletCount).
							Msg("chain progress")
					}
				}
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	stop()
	<-engineDone
	return nil
}
