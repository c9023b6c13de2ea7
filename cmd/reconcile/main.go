// Command reconcile runs one reconciliation pass against the configured
// chains and prints the summary as JSON. With -offer it reconciles a single
// offer instead.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/GoPolymarket/otcgate/internal/bootstrap"
	"github.com/GoPolymarket/otcgate/internal/config"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/GoPolymarket/otcgate/internal/pricefeed"
	"github.com/GoPolymarket/otcgate/internal/repository"
	"github.com/GoPolymarket/otcgate/internal/service"
)

func main() {
	offerID := flag.String("offer", "", "reconcile only this offer id")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.NewDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	chains, oracles, resetDetection := bootstrap.DialChains(ctx, cfg)
	prices := pricefeed.NewStaticProviderFromConfig(cfg.PriceFeed.StaticPrices, cfg.PriceFeed.NativeUSDPrices)

	consRepo := repository.NewConsignmentRepo(db)
	offerRepo := repository.NewOfferRepo(db)
	ledger := service.NewInventoryLedger(repository.NewInventoryRepo(db))
	quotes := service.NewQuoteService(repository.NewQuoteRepo(db), consRepo, prices, cfg)
	quotes.SetChains(chains)
	resets := service.NewResetGate()
	offers := service.NewOfferService(service.OfferDeps{
		Offers:            offerRepo,
		Consignments:      consRepo,
		Deals:             repository.NewDealRepo(db),
		Quotes:            quotes,
		Ledger:            ledger,
		Prices:            prices,
		Chains:            chains,
		Resets:            resets,
		MaxSubmitAttempts: bootstrap.MaxSubmitAttempts(cfg),
	})
	recon := service.NewReconciler(service.ReconcilerDeps{
		Offers:         offerRepo,
		Tokens:         repository.NewTokenRepo(db),
		Cursors:        repository.NewCursorRepo(db),
		Ledger:         ledger,
		OfferSv:        offers,
		Quotes:         quotes,
		Chains:         chains,
		Oracle:         oracles,
		Resets:         resets,
		Config:         cfg.Reconcile,
		ResetDetection: resetDetection,
	})

	var out any
	if *offerID != "" {
		out, err = recon.ReconcileOffer(ctx, *offerID)
	} else {
		out, err = recon.ReconcileAll(ctx)
	}
	if err != nil {
		logger.Error("reconcile failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode summary: %v", err)
	}
}
