/*
main.go - One-shot reconciliation CLI

PURPOSE:
  Runs a single reconciliation pass against the configured database and
  prints the run report. Useful for cron jobs outside the server process,
  backfills after an incident, and operator-driven full rescans.

FLAGS:
  -full    Ignore the cursor and rescan all purchase history

EXAMPLES:
  COMMISSION_DB_PATH=./data/commission.db ./reconcile
  COMMISSION_DB_PATH=./data/commission.db ./reconcile -full

SEE ALSO:
  - reconcile/engine.go: The pass being run
  - cmd/server/main.go: In-process scheduled reconciliation
*/
package main

import (
	"context"
	"flag"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/balance"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/reconcile"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/store/sqlite"
)

func main() {
	full := flag.Bool("full", false, "ignore the cursor and rescan all purchase history")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	resolver := referral.NewResolver(store)
	creditor := commission.NewCreditor(store, cfg.Policy())
	balances := balance.NewMaintainer(store)
	engine := reconcile.NewEngine(store, store, resolver, creditor, balances)

	run, err := engine.Run(context.Background(), reconcile.Options{Full: *full})
	if err != nil {
		log.WithError(err).Fatal("reconciliation failed")
	}

	log.WithFields(log.Fields{
		"run_id":         run.ID,
		"purchases_seen": run.PurchasesSeen,
		"credits_added":  run.CreditsAdded,
		"users_resynced": run.UsersResynced,
		"failures":       run.Failures,
		"tier1_total":    run.Tier1Total.String(),
		"tier2_total":    run.Tier2Total.String(),
	}).Info("reconciliation complete")
}
