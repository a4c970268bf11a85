// Command uploadserver runs the upload broker's HTTP surface: intake,
// dispatch, the ledger and the quote store wired together per spec.md §6,
// following the teacher's cmd/synnergy process-wiring convention (load
// config, construct collaborators, serve).
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/chainrpc"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/config"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/dispatch"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/intake"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/ledger"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/priceoracle"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/quote"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/registry"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/server"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/staging"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/wallet"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/walrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("uploadserver: load config")
	}

	w, err := wallet.FromHexSeed(cfg.SuiPrivateKey)
	if err != nil {
		logrus.WithError(err).Fatal("uploadserver: init wallet")
	}

	store := staging.NewS3Store(context.Background(), cfg.AWSRegion, cfg.AWSS3Bucket)

	l, err := ledger.Open(cfg.LedgerDBPath)
	if err != nil {
		logrus.WithError(err).Fatal("uploadserver: open ledger")
	}
	defer l.Close()

	filesDB, err := bolt.Open(cfg.LedgerDBPath+".files", 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		logrus.WithError(err).Fatal("uploadserver: open file store")
	}
	defer filesDB.Close()
	files, err := intake.NewBoltFileStore(filesDB)
	if err != nil {
		logrus.WithError(err).Fatal("uploadserver: init file store")
	}

	chain := chainrpc.NewHTTPClient(cfg.SuiRPCURL, 30*time.Second)
	reg := registry.New(chain, w)

	relay := walrus.NewRelayClient(chain, w, cfg.WalrusUploadRelay, 60*time.Second)
	direct := walrus.NewDirectClient(chain, w, nil)
	wc := walrus.NewFallbackClient(relay, direct)

	d := dispatch.New(files, store, wc, w, reg, cfg.WalrusRelayTipMax)

	oracle := priceoracle.NewHTTPOracle(cfg.PriceFeedURL, 10*time.Second)
	quotes := quote.NewStore(nil)

	in := &intake.Intake{
		Staging:  store,
		Quotes:   quotes,
		Oracle:   oracle,
		Ledger:   l,
		Files:    files,
		Registry: reg,
	}

	srv := server.New(&server.Server{
		Config:     cfg,
		Intake:     in,
		Dispatcher: d,
		Ledger:     l,
		Quotes:     quotes,
		Oracle:     oracle,
		Staging:    store,
		Files:      files,
		Wallet:     w,
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: srv,
	}

	go func() {
		logrus.WithField("port", cfg.HTTPPort).Info("uploadserver: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("uploadserver: serve")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("uploadserver: graceful shutdown failed")
	}
}
