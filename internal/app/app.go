package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"genpaper/internal/config"
	"genpaper/internal/literature"
	"genpaper/internal/logger"
	"genpaper/internal/realtime"
	"genpaper/internal/storage"
)

const statusChannel = "genpaper:job_status"

type Repos struct {
	Projects  *storage.ProjectRepo
	Papers    *storage.PaperRepo
	Chunks    *storage.ChunkRepo
	Citations *storage.CitationRepo
	Jobs      *storage.JobRepo
	Quotas    *storage.QuotaRepo
	Audit     *storage.LLMAuditRepo
}

func OpenStorage(ctx context.Context, cfg config.Config) (*storage.DB, Repos, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	db, err := storage.NewDB(dialCtx, cfg.PostgresURL)
	if err != nil {
		return nil, Repos{}, fmt.Errorf("init postgres: %w", err)
	}
	return db, Repos{
		Projects:  storage.NewProjectRepo(db),
		Papers:    storage.NewPaperRepo(db),
		Chunks:    storage.NewChunkRepo(db),
		Citations: storage.NewCitationRepo(db),
		Jobs:      storage.NewJobRepo(db),
		Quotas:    storage.NewQuotaRepo(db, cfg.DailyPDFLimit, cfg.MonthlyOCRLimit),
		Audit:     storage.NewLLMAuditRepo(db),
	}, nil
}

// NewBus uses redis when an address is configured and an in-process bus otherwise.
func NewBus(log *logger.Logger, cfg config.Config) (realtime.Bus, error) {
	if cfg.RedisAddr == "" {
		log.Warn("no redis address configured; job events stay in process")
		return realtime.NewLocalBus(), nil
	}
	return realtime.NewRedisBus(log, cfg.RedisAddr, cfg.RedisPassword, statusChannel)
}

// NewLiterature registers the configured scholarly indexes. The crossref client is also
// returned for DOI lookups during extraction.
func NewLiterature(log *logger.Logger, cfg config.Config) (*literature.Multi, *literature.Crossref, error) {
	multi := literature.NewMulti(log)
	crossref := literature.NewCrossref("", cfg.LiteratureMailto, cfg.LiteratureRatePerSecond)
	for _, name := range strings.Split(cfg.LiteratureSources, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
		case "openalex":
			multi.Register("openalex", literature.NewOpenAlex("", cfg.LiteratureMailto, cfg.LiteratureRatePerSecond))
		case "crossref":
			multi.Register("crossref", crossref)
		default:
			return nil, nil, fmt.Errorf("unknown literature source %q", name)
		}
	}
	return multi, crossref, nil
}
