package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowcron/pkg"
	"flowcron/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var (
	flagConfigFilename = flag.String("config", "", "Configuration file name")
)

func main() {
	flag.Parse()

	if os.Getenv("FC_DEBUG") == "true" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	config := pkg.MustLoadConfig(*flagConfigFilename)

	if config.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wrapper, err := pkg.NewDB(config.Database)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to database")
	}
	if err := wrapper.ApplyMigrations(ctx); err != nil {
		logrus.WithError(err).Fatal("failed to apply migrations")
	}

	queue, err := pkg.NewRedisTriggerQueue(&config.Queue)
	if err != nil {
		logrus.WithError(err).Fatal("failed to set up trigger queue")
	}
	if err := queue.Ping(ctx); err != nil {
		logrus.WithError(err).Fatal("failed to connect to trigger queue")
	}

	eval := pkg.NewCronEvaluator(config.Dispatch.Window)
	schedules := pkg.NewScheduleStore(wrapper.DB(), eval)
	executions := pkg.NewExecutionStore(wrapper.DB())

	router := gin.New()
	router.Use(utils.GetGinLoggerHandler(), gin.Recovery(), gin.ErrorLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.AbortWithStatus(http.StatusOK)
	})

	server := pkg.NewServer(config, schedules, executions, queue)
	server.MountRoutes(router)

	maintenance := pkg.NewMaintenance(queue)
	maintenance.Start()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Server.Port),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("failed to start server")
		}
	}()
	logrus.WithField("port", config.Server.Port).Info("server started")

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("failed to shut down server cleanly")
	}

	maintenance.Stop()
	if err := queue.Close(); err != nil {
		logrus.WithError(err).Error("failed to close trigger queue")
	}
	pkg.CloseAllDBConnections()
}
