package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/k11v/pony/internal/artifact"
	"github.com/k11v/pony/internal/artifact/artifactpg"
	"github.com/k11v/pony/internal/artifact/artifacts3"
	"github.com/k11v/pony/internal/coordinator"
	"github.com/k11v/pony/internal/notify"
	"github.com/k11v/pony/internal/notify/notifyamqp"
	"github.com/k11v/pony/internal/postgresutil"
	"github.com/k11v/pony/internal/result"
	"github.com/k11v/pony/internal/result/resultpg"
	"github.com/k11v/pony/internal/server"
)

func main() {
	run := func() int {
		ctx := context.Background()
		log := slog.Default()

		cfg, err := parseConfig(os.Environ())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		var store result.Store
		var catalog artifact.Catalog
		if cfg.Development && cfg.Postgres.URL == "" {
			store = result.NewMemoryStore()
			catalog = artifact.NewMemoryCatalog()
			log.Warn("running with non-durable in-memory storage")
		} else {
			db, err := postgresutil.NewPool(ctx, cfg.Postgres.URL)
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return 1
			}
			defer db.Close()
			store = resultpg.NewStore(db)
			catalog = artifactpg.NewCatalog(db)
		}

		files, err := artifact.NewFileStore(cfg.filesDir(), log)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		var listeners []notify.Listener
		if cfg.AMQPURL != "" {
			listeners = append(listeners, notifyamqp.NewListener(cfg.AMQPURL))
		}

		coordinatorConfig := &coordinator.Config{
			FileBudget: cfg.FileBudget,
			Logger:     log,
		}
		if cfg.S3URL != "" && cfg.S3Bucket != "" {
			coordinatorConfig.Mirror = artifacts3.NewMirror(cfg.S3URL, cfg.S3Bucket)
		}

		c, err := coordinator.New(ctx, coordinatorConfig, store, catalog, files, listeners...)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		srv := server.New(&cfg.Server, log, c)

		log.Info("starting server", "addr", srv.Addr)
		err = srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		return 0
	}
	os.Exit(run())
}
