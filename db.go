package main

import (
	"log/slog"
	"os"
	"strings"

	"mdetruth/pkg/config"
	"mdetruth/pkg/ledger"
	"mdetruth/pkg/records"
)

// openStore connects to the value database named by [Paths] db_dir.
func openStore(cfg *config.Config) (*records.Store, error) {
	return records.Open(cfg.Review.DBDriver, cfg.Paths.DBDir)
}

// openLedger returns nil when the ledger is disabled. Schema migration
// runs unless MDE_AUTO_MIGRATE is false.
func openLedger(cfg *config.Config, log *slog.Logger) (*ledger.Ledger, error) {
	path := cfg.LedgerPath()
	if path == "" {
		return nil, nil
	}
	l, err := ledger.Open(path, log)
	if err != nil {
		return nil, err
	}
	if autoMigrate() {
		if err := l.Migrate(); err != nil {
			log.Warn("ledger migration warning", "err", err)
		}
	}
	return l, nil
}

func autoMigrate() bool {
	switch strings.ToLower(os.Getenv("MDE_AUTO_MIGRATE")) {
	case "false", "0", "no":
		return false
	}
	return true
}
