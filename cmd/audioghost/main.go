package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"

	"github.com/audioghost-ai/audioghost/pkg/auth"
	"github.com/audioghost-ai/audioghost/pkg/config"
	"github.com/audioghost-ai/audioghost/pkg/server"
	"github.com/audioghost-ai/audioghost/pkg/task"
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

	srv, err := server.New(server.Config{
		Port:           cfg.Port,
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, store, auth.NewManager(cfg.HFTokenPath, cfg.HFHubURL))
	assertNoError(err)

	assertNoError(srv.Serve(ctx))
	logger.Infof(ctx, "bye")
}

func assertNoError(err error) {
	if err != nil {
		panic(err)
	}
}
