package app

import (
	"context"
	"fmt"

	tclient "go.temporal.io/sdk/client"

	"genpaper/internal/api"
	"genpaper/internal/citations"
	"genpaper/internal/config"
	"genpaper/internal/logger"
	"genpaper/internal/realtime"
	"genpaper/internal/storage"
)

// API is the HTTP process: storage for reads, Temporal for everything that does work.
type API struct {
	Log      *logger.Logger
	Cfg      config.Config
	DB       *storage.DB
	Bus      realtime.Bus
	Temporal tclient.Client
	Server   *api.Server
}

func NewAPI(ctx context.Context, log *logger.Logger, cfg config.Config) (*API, error) {
	db, repos, err := OpenStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tc, err := tclient.Dial(tclient.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dial temporal: %w", err)
	}
	bus, err := NewBus(log, cfg)
	if err != nil {
		tc.Close()
		db.Close()
		return nil, err
	}

	srv := api.NewServer(log, api.Deps{
		Projects:  repos.Projects,
		Papers:    repos.Papers,
		Jobs:      repos.Jobs,
		Quotas:    repos.Quotas,
		Citations: citations.NewService(log, repos.Citations, repos.Papers),
		Workflows: api.NewTemporalWorkflows(tc, cfg.TemporalTaskQueue),
		Bus:       bus,
	}, api.Options{
		DefaultStyle: citations.Style(cfg.CitationStyle),
		DefaultOCR:   cfg.EnableOCR,
		MaxResults:   cfg.MaxSearchResults,
		MaxAttempts:  cfg.MaxJobAttempts,
	})
	return &API{Log: log, Cfg: cfg, DB: db, Bus: bus, Temporal: tc, Server: srv}, nil
}

func (a *API) Close() {
	_ = a.Bus.Close()
	a.Temporal.Close()
	a.DB.Close()
	a.Log.Sync()
}
