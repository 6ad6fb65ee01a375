package main

import (
	"context"
	"time"
)

// runReconciliationEvery re-runs both sweeps on a fixed interval so stuck
// payments get repaired even when nobody presses the admin button.
func (app *application) runReconciliationEvery(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		run := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			report, err := app.reconciler.Run(ctx)
			if err != nil {
				app.logger.Errorw("background reconciliation failed", "err", err.Error())
				return
			}
			app.logger.Infow("background reconciliation finished",
				"pending_processed", report.PendingProcessed,
				"pending_failed", report.PendingFailed,
				"issuance_processed", report.IssuanceProcessed,
				"issuance_failed", report.IssuanceFailed,
			)
		}

		// Run once immediately
		run()

		for range ticker.C {
			run()
		}
	}()
}
