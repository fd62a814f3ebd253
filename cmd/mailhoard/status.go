package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mailhoard/mailhoard/internal/model"
	"github.com/mailhoard/mailhoard/internal/syncer"
)

// cmdSync forces one sync cycle for a source.
func cmdSync(cfg *model.AppConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: mailhoard sync <source-id>")
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	runner := syncer.New(cfg, a.store, a.blobs, a.idx, a.vault)
	run, err := runner.RunOnce(context.Background(), args[0])
	if err != nil {
		return err
	}
	printRun(run)
	if run.Outcome == model.RunError {
		return fmt.Errorf("sync failed: %s", run.Error)
	}
	return nil
}

func printRun(run model.SyncRun) {
	fmt.Printf("%s: %d new, %d skipped in %s\n",
		run.Outcome, run.Fetched, run.Skipped,
		run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
}

// cmdStatus shows per-source state and the most recent sync runs.
func cmdStatus(cfg *model.AppConfig) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	sources, err := a.store.GetSources(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tSTATUS\tMESSAGES\tDETAIL")
	for _, src := range sources {
		count, err := a.store.CountMessages(ctx, src.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s (%s)\t%s\t%d\t%s\n",
			src.Name, src.Kind, src.Status, count, src.StatusMessage)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	runs, err := a.store.RecentSyncRuns(ctx, 15)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tSOURCE\tOUTCOME\tNEW\tSKIPPED\tERROR")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.SourceID, run.Outcome, run.Fetched, run.Skipped, run.Error)
	}
	return w.Flush()
}
