package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the projection worker",
	Long:  `Run the built-in projections (search index, integration publisher) against the event log`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	log.Info().Msg("Starting worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(closeCtx)
	}()

	if err := a.startProjections(ctx, cfg); err != nil {
		return err
	}

	statuses, err := a.engine.List(ctx)
	if err != nil {
		return err
	}
	for _, status := range statuses {
		log.Info().
			Str("projection", status.Checkpoint.ProjectionName).
			Str("status", string(status.Checkpoint.Status)).
			Int64("position", status.Checkpoint.Position).
			Int64("lag", status.Lag).
			Msg("Projection loaded")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down worker...")
	return nil
}
