package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"flowcron/pkg"

	"github.com/sirupsen/logrus"
)

var (
	flagConfigFilename = flag.String("config", "", "Configuration file name")
)

// One evaluation cycle per invocation, meant to run under an external
// scheduler (cron, Kubernetes CronJob) once per minute. Exit code 0 means
// every due schedule was enqueued, 1 means at least one was not.
func main() {
	flag.Parse()

	if os.Getenv("FC_DEBUG") == "true" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	config := pkg.MustLoadConfig(*flagConfigFilename)
	if config.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The cycle must finish before the scheduler starts the next one
	ctx, cancel := context.WithTimeout(ctx, config.Dispatch.CycleTimeout)
	defer cancel()

	queue, err := pkg.NewRedisTriggerQueue(&config.Queue)
	if err != nil {
		logrus.WithError(err).Fatal("failed to set up trigger queue")
	}

	eval := pkg.NewCronEvaluator(config.Dispatch.Window)
	source := pkg.NewHTTPScheduleSource(&config.ScheduleSource, config.PrimaryServiceKey())
	dispatcher := pkg.NewDispatcher(source, queue, eval, queue)

	result, err := dispatcher.RunCycle(ctx)

	code := 0
	if err != nil {
		logrus.WithError(err).Error("dispatch cycle failed")
		code = 1
	} else {
		code = result.ExitCode()
	}

	_ = queue.Close()
	os.Exit(code)
}
