package blocktalk

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tigeryant/blocktalk/build"
	"github.com/tigeryant/blocktalk/rpcserver"
	"github.com/tigeryant/blocktalk/wallet"
	"github.com/tigeryant/blocktalk/wallet/walletstore"
)

// Main is the real entry point of the wallet daemon. It is separated from
// the main function of cmd/walletd so errors can bubble up to a single exit
// path.
func Main(cfg *Config) error {
	logWriter := build.NewRotatingLogWriter()
	SetupLoggers(logWriter)

	err := logWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		defaultMaxLogFileSize, defaultMaxLogFiles,
	)
	if err != nil {
		return err
	}
	defer logWriter.Close()

	if err := logWriter.ParseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return err
	}

	btldLog.Infof("%s version %s starting on network %s", appName,
		Version(), cfg.netParams.Name)

	engine, err := wallet.New(&wallet.Config{
		WalletDir:  cfg.walletDir,
		NodeSocket: cfg.NodeSocket,
		NetParams:  cfg.netParams,
	})
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	// Load the configured wallet when its file is already present; a
	// fresh installation waits for a createwallet call instead.
	ctx := context.Background()
	walletPath := filepath.Join(cfg.walletDir, cfg.WalletName)
	if walletstore.Exists(walletPath) {
		btldLog.Infof("Loading wallet %s", cfg.WalletName)
		if err := engine.LoadWallet(ctx, cfg.WalletName); err != nil {
			return err
		}

		if cfg.Wallet.Rescan {
			btldLog.Info("Startup rescan requested")
			_, _, err := engine.RescanBlockchain(ctx, 0, nil)
			if err != nil {
				return err
			}
		}

		if err := engine.StartNotifications(ctx); err != nil {
			return err
		}
	}

	server := rpcserver.New(engine, &rpcserver.Config{
		Listen:   cfg.rpcListen,
		User:     cfg.RPCUser,
		Password: cfg.RPCPass,
	})
	if err := server.Start(); err != nil {
		return err
	}

	btldLog.Infof("Wallet daemon ready, serving JSON-RPC on %s",
		cfg.rpcListen)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	// Shutdown order: stop accepting RPCs, quiesce the workers, then
	// disconnect the node transport and close the wallet stores.
	btldLog.Info("Shutting down")
	server.Stop()
	engine.Shutdown()

	btldLog.Info("Shutdown complete")
	return nil
}
