// Package main is the entrypoint for wiremux.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wiremux/wiremux/pkg/config"
	"github.com/wiremux/wiremux/pkg/util/typeutil"
	"github.com/wiremux/wiremux/pkg/wmp/server"
)

func main() {
	cfg, err := config.NewConfig(os.Args[1:])
	if errors.Cause(err) == pflag.ErrHelp {
		os.Exit(0)
	}

	// create a logger first
	var logger *zap.Logger
	if cfg != nil {
		logger = cfg.Logger()
	}
	if logger == nil {
		// something went wrong, create a new temporary logger
		var zapErr error
		logger, zapErr = zap.NewProduction()
		if zapErr != nil {
			fmt.Printf("error creating zap logger %v", zapErr)
			os.Exit(1)
		}
	}
	logger.Info("running", zap.Strings("args", os.Args))
	if err != nil {
		logger.Error("failed to parse config", zap.Error(err))
		os.Exit(1)
	}

	syncLogger := func() { _ = logger.Sync() }

	// check config
	err = cfg.Adjust()
	if err != nil {
		logger.Error("failed to adjust config", zap.Error(err))
		exit(1, syncLogger)
	}
	err = cfg.Validate()
	if err != nil {
		logger.Error("failed to validate config", zap.Error(err))
		exit(1, syncLogger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	svr := server.NewServer(ctx, newRecordLog(), cfg.IdleTimeout.Duration, logger)

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Error("failed to listen", zap.String("addr", cfg.Addr), zap.Error(err))
		exit(1, syncLogger)
	}
	logger.Info("server started", zap.String("name", cfg.Name), zap.String("addr", cfg.Addr))

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	var sig os.Signal
	go func() {
		sig = <-sc
		cancel()
	}()

	serveDone := make(chan error, 1)
	go func() { serveDone <- svr.Serve(l) }()

	<-ctx.Done()
	logger.Info("got signal to exit", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	err = svr.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error("failed to shut down server", zap.Error(err))
	}
	<-serveDone

	switch sig {
	case syscall.SIGTERM:
		exit(0, syncLogger)
	default:
		exit(1, syncLogger)
	}
}

func exit(code int, deferred func()) {
	deferred()
	os.Exit(code)
}

// recordLog is an in-memory record store backing the server handler.
// Append returns the offset of the stored record; Fetch takes an offset
// and returns the record stored at it.
type recordLog struct {
	mu      sync.Mutex
	records [][]byte
}

func newRecordLog() *recordLog {
	return &recordLog{}
}

func (r *recordLog) Append(req []byte) ([]byte, error) {
	record := append([]byte(nil), req...)
	r.mu.Lock()
	offset := uint64(len(r.records))
	r.records = append(r.records, record)
	r.mu.Unlock()
	return typeutil.Uint64ToBytes(offset), nil
}

func (r *recordLog) Fetch(req []byte) ([]byte, error) {
	offset, err := typeutil.BytesToUint64(req)
	if err != nil {
		return nil, errors.WithMessage(err, "parse offset")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset >= uint64(len(r.records)) {
		return nil, errors.Errorf("offset %d out of range", offset)
	}
	return r.records[offset], nil
}

func (r *recordLog) Heartbeat(string) {}
