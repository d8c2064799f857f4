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
	flagExecutionId    = flag.String("execution-id", "", "Run this execution instead of consuming the trigger queue")
	flagWorkflowId     = flag.String("workflow-id", "", "Workflow the handed execution belongs to")
)

// One execution per process. Exit code 0 means a terminal outcome was
// durably recorded (including recorded workflow failures); 1 means it was
// not, and the trigger may be redelivered.
func main() {
	flag.Parse()

	if os.Getenv("FC_DEBUG") == "true" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	config := pkg.MustLoadConfig(*flagConfigFilename)
	if config.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *flagExecutionId == "" && *flagWorkflowId != "" {
		logrus.Fatal("-workflow-id requires -execution-id")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Without a database no outcome can be recorded, so Fatal (exit 1) is
	// the honest answer here
	wrapper, err := pkg.NewDB(config.Database)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to database")
	}

	queue, err := pkg.NewRedisTriggerQueue(&config.Queue)
	if err != nil {
		logrus.WithError(err).Fatal("failed to set up trigger queue")
	}

	eval := pkg.NewCronEvaluator(config.Dispatch.Window)
	schedules := pkg.NewScheduleStore(wrapper.DB(), eval)
	executions := pkg.NewExecutionStore(wrapper.DB())
	executor := pkg.NewHTTPWorkflowExecutor(&config.Workflow, config.PrimaryServiceKey())

	runtime := pkg.NewWorkerRuntime(config, schedules, executions, queue, executor)

	code := runtime.Run(ctx, *flagExecutionId, *flagWorkflowId)

	_ = queue.Close()
	pkg.CloseAllDBConnections()
	os.Exit(code)
}
