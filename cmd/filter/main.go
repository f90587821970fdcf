// The filter command plays the filtering process: it consumes chunks
// from the shared slot into its rule table and answers classification
// queries against it. One shot by default, resident with -watch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mkravn/callfence/internal/filterext"
	"github.com/mkravn/callfence/internal/snapshot"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func main() {
	slotPath := flag.String("slot", "./data/shared/chunk.json", "path to the shared snapshot slot")
	tablePath := flag.String("table", "./data/filter/rules.json", "path to the rule table")
	watch := flag.Bool("watch", false, "stay resident and consume chunks as they land")
	classify := flag.String("classify", "", "classify one number and exit")
	flag.Parse()

	zapLogger, err := newLogger()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "can init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = zapLogger.Sync()
	}()
	logger := zapLogger.Named("filter")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	table, err := filterext.OpenTable(ctx, *tablePath)
	if err != nil {
		logger.Fatal("cant open rule table", zap.Error(err))
	}

	if *classify != "" {
		rule, ok := table.Classify(*classify)
		if !ok {
			fmt.Println("allow")
			return
		}
		if rule.Label != "" {
			fmt.Printf("%s %s\n", rule.Action, rule.Label)
			return
		}
		fmt.Println(rule.Action)
		return
	}

	slot, err := snapshot.NewSlot(*slotPath)
	if err != nil {
		logger.Fatal("cant open slot", zap.Error(err))
	}
	ext, err := filterext.NewExtension(slot, table, logger)
	if err != nil {
		logger.Fatal("cant create extension", zap.Error(err))
	}

	if *watch {
		logger.Info("watching slot", zap.String("slot", *slotPath))
		if err := ext.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal("watch failed", zap.Error(err))
		}
		logger.Info("shutdown done")
		return
	}

	consumed, err := ext.RunOnce(ctx)
	if err != nil {
		logger.Fatal("cant consume chunk", zap.Error(err))
	}
	if !consumed {
		logger.Info("slot empty, nothing to do")
		return
	}
	numbers, patterns := table.Counts()
	logger.Info("done",
		zap.Int("numbers", numbers),
		zap.Int("patterns", patterns),
	)
}
