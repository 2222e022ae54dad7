// Command atmd runs the three kiosk serial drivers (CCNET bill
// validator, ccTalk coin/bill bus, LCDM-2000 dispenser) behind one HTTP
// surface, plus the Sberbank acquiring subprocess wrapper.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alex-eri/atm-drivers/internal/config"
	"github.com/alex-eri/atm-drivers/internal/httpapi"
	"github.com/alex-eri/atm-drivers/internal/sber"
	"github.com/alex-eri/atm-drivers/internal/serialio"
	"github.com/alex-eri/atm-drivers/pkg/ccnet"
	"github.com/alex-eri/atm-drivers/pkg/cctalk"
	"github.com/alex-eri/atm-drivers/pkg/lcdm"
)

var (
	configPath = flag.String("config", "/etc/atmd/atmd.ini", "path to the INI configuration file")
	sberDir    = flag.String("sber-install", "", "install directory for sb_pilot; acquiring routes disabled if empty")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	validator := ccnet.New(
		serialio.Config{Name: cfg.CCNET.Com, Baud: cfg.CCNET.Baudrate, Timeout: cfg.ReadTimeout},
		ccnet.AddrValidator,
		entry,
	)
	go validator.Run(ctx)

	cctalkHost := cctalk.New(
		serialio.Config{Name: cfg.CCTalk.Com, Baud: cfg.CCTalk.Baudrate, Timeout: cfg.ReadTimeout},
		cctalk.DefaultHostAddress,
		entry,
	)
	go cctalkHost.Run(ctx)

	dispenser := lcdm.New(
		serialio.Config{Name: cfg.LCDM.Com, Baud: cfg.LCDM.Baudrate, Timeout: cfg.ReadTimeout},
		cfg.LCDMUpperNominal, cfg.LCDMLowerNominal,
		entry,
	)
	go dispenser.Run(ctx)

	var pilot *sber.Pilot
	if *sberDir != "" {
		pilot = sber.New(*sberDir, entry)
	}

	srv := httpapi.New(validator, cctalkHost, byte(cfg.CCTalk.Adr), dispenser, pilot, entry)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Handler()}

	go func() {
		entry.WithField("addr", cfg.HTTPAddr).Info("starting http listener")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Fatal("http listener failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	entry.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("http shutdown did not complete cleanly")
	}
}
