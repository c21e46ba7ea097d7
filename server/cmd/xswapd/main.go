// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xswap-coordinator/xswapd/dex/calc"
	"github.com/xswap-coordinator/xswapd/dex/order"
	"github.com/xswap-coordinator/xswapd/server/book"
	"github.com/xswap-coordinator/xswapd/server/exchange"
	"github.com/xswap-coordinator/xswapd/server/p2p"
	"github.com/xswap-coordinator/xswapd/server/rpc"
	"github.com/xswap-coordinator/xswapd/server/snode"
	"github.com/xswap-coordinator/xswapd/server/swap"
	"github.com/xswap-coordinator/xswapd/server/utxolock"
)

func mainCore(ctx context.Context) error {
	cfg, opts, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load xswapd config: %s\n", err.Error())
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	if opts.CPUProfile != "" {
		f, err := os.Create(opts.CPUProfile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if opts.HTTPProfile {
		log.Warnf("Starting the HTTP profiler on path /debug/pprof/.")
		http.Handle("/", http.RedirectHandler("/debug/pprof/", http.StatusSeeOther))
		go func() {
			if err := http.ListenAndServe(":9232", nil); err != nil {
				log.Errorf("ListenAndServe failed for http/pprof: %v", err)
			}
		}()
	}

	log.Infof("%s version %v (Go version %s)", appName, Version(), runtime.Version())

	lm := cfg.LogMaker

	dust := make(exchange.DustMinimums, len(cfg.Exchange.Wallets))
	for ticker, w := range cfg.Exchange.Wallets {
		amt, err := calc.AmountFromDecimal(fmt.Sprintf("%v", w.MinimumAmount))
		if err != nil {
			return fmt.Errorf("invalid MinimumAmount for wallet %s: %w", ticker, err)
		}
		dust[ticker] = amt
	}

	b := book.New()
	ledger := utxolock.New(nil)
	ex := exchange.New(b, ledger, dust)
	id := snode.New(cfg.Exchange.Main.EnableExchange)

	hub := p2p.NewHub(lm.SubLogger("P2P", "hub"))

	// Concrete per-chain wallet adapters are out of scope; the driver and
	// RPC layer run with an empty wallet set until one is wired in.
	driver := swap.New(ex, ledger, map[string]swap.WalletConnector{}, hub, lm.SubLogger("SWAP", "driver"))

	rpcSrv := rpc.NewServer(rpc.Config{
		Book:            b,
		Exchange:        ex,
		Ledger:          ledger,
		Driver:          driver,
		Snode:           id,
		Wallets:         map[string]rpc.WalletSource{},
		LocalAddr:       book.IsLocalFunc(func(o *order.OrderDescr) bool { return false }),
		Reload:          func() error { return nil },
		Log:             lm.SubLogger("RPC", "server"),
		DefaultFlushAge: cfg.FlushAge,
	})

	r := chi.NewRouter()
	r.Mount("/", rpcSrv.Router())
	httpSrv := &http.Server{Addr: cfg.RPCListen, Handler: r}
	p2pSrv := &http.Server{Addr: cfg.P2PListen, Handler: hub.Router()}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		driver.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("RPC server listening on %s", cfg.RPCListen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("RPC server: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("P2P hub listening on %s", cfg.P2PListen)
		if err := p2pSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("P2P hub: %v", err)
		}
	}()

	log.Info("xswapd is running. Hit CTRL+C to quit...")
	<-ctx.Done()

	log.Info("Stopping xswapd...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	p2pSrv.Shutdown(shutdownCtx)
	wg.Wait()

	log.Info("Bye!")
	return nil
}

func main() {
	ctx := withShutdownCancel(context.Background())
	go shutdownListener()

	if err := mainCore(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
