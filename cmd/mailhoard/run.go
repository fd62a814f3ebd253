package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mailhoard/mailhoard/internal/model"
	"github.com/mailhoard/mailhoard/internal/syncer"
)

// cmdRun starts the scheduler and blocks until SIGINT or SIGTERM.
func cmdRun(cfg *model.AppConfig) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := syncer.New(cfg, a.store, a.blobs, a.idx, a.vault)
	if err := runner.Start(ctx); err != nil {
		return err
	}

	fmt.Println("mailhoard running; ctrl-c to stop")
	runner.Wait()
	fmt.Println("stopped")
	return nil
}
