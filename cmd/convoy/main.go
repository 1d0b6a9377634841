package main

import (
	"context"

	"git.fleetops.dev/dispatch/golang/convoy/internal/convoy"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"git.fleetops.dev/dispatch/golang/convoy/internal/prometheus"
	"go.uber.org/zap"
)

func main() {
	go prometheus.Run()

	for {
		ctx, cancel := context.WithCancel(context.Background())

		app, err := convoy.NewApp(cancel)
		if err != nil {
			logging.Logger.Fatal("failed to create convoy app", zap.String("error", err.Error()))
		}

		err = app.Run(ctx)
		if err != nil {
			panic(err)
		}

		<-ctx.Done()

		app.HealthCheckerService.Check()

		cancel()
	}
}
