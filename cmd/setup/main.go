package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/k11v/pony/internal/pgprovision"
	"github.com/k11v/pony/internal/postgresutil"
)

// config holds the setup configuration.
type config struct {
	Postgres postgresutil.Config `envPrefix:"PONY_POSTGRES_"`
}

func main() {
	var cfg config
	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(os.Environ()),
	})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	err = pgprovision.Setup(cfg.Postgres.URL)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	os.Exit(0)
}
