package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"

	"github.com/audioghost-ai/audioghost/pkg/config"
	"github.com/audioghost-ai/audioghost/pkg/separation"
	"github.com/audioghost-ai/audioghost/pkg/task"
	"github.com/audioghost-ai/audioghost/pkg/worker"
)

func main() {
	loggerLevel := logger.LevelInfo
	pflag.Var(&loggerLevel, "log-level", "Log level")
	pflag.Parse()

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()

	store := task.NewStore(cfg.RedisAddr)
	defer store.Close()
	assertNoError(store.Ping(ctx))

	client := separation.NewClient(cfg.ModelAPIURL, cfg.ShareDir, cfg.PollInterval)
	logger.Infof(ctx, "waiting for the model sidecar at %s", cfg.ModelAPIURL)
	assertNoError(client.WaitForHealthy(ctx))

	logger.Infof(ctx, "consuming the queue")
	if err := worker.New(store, client, cfg.OutputDir).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
	logger.Infof(ctx, "bye")
}

func assertNoError(err error) {
	if err != nil {
		panic(err)
	}
}
