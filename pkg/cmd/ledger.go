package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/caldera-ci/caldera/pkg/ledger"
	"github.com/caldera-ci/caldera/pkg/ledger/file"
	"github.com/caldera-ci/caldera/pkg/ledger/postgresql"
)

// NewLedger creates the run ledger for the given URL. postgres:// selects
// the PostgreSQL ledger; anything else is treated as a file root.
func NewLedger(ctx context.Context, logger *slog.Logger, ledgerURL string) ledger.Ledger {
	switch parseLedgerProvider(ledgerURL) {
	case "postgres", "postgresql":
		led, err := postgresql.NewLedger(ctx, logger, ledgerURL)
		if err != nil {
			panic(fmt.Errorf("failed to create PostgreSQL ledger: %w", err))
		}

		return led
	default:
		return file.NewLedger(ledgerURL)
	}
}

func parseLedgerProvider(ledgerURL string) string {
	parts := strings.SplitN(ledgerURL, "://", 2)

	return parts[0]
}
