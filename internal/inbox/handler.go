package inbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"genpaper/internal/models"
	"genpaper/internal/queue"
)

type PaperLibrary interface {
	UpsertPaper(ctx context.Context, p models.Paper) (models.Paper, error)
	AddToLibrary(ctx context.Context, ownerID, paperID string) error
}

type Enqueuer interface {
	AddJob(ctx context.Context, req queue.JobRequest) (string, error)
}

// QueueHandler registers the dropped file as a library paper and queues it for ingestion.
func QueueHandler(papers PaperLibrary, q Enqueuer) Handler {
	return func(ctx context.Context, ownerID, path string) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", path, err)
		}
		p, err := papers.UpsertPaper(ctx, models.Paper{
			Title:  TitleFromFilename(abs),
			PDFURL: "file://" + filepath.ToSlash(abs),
			Source: "inbox",
		})
		if err != nil {
			return err
		}
		if err := papers.AddToLibrary(ctx, ownerID, p.PaperID); err != nil {
			return err
		}
		_, err = q.AddJob(ctx, queue.JobRequest{
			PaperID:   p.PaperID,
			SourceURL: p.PDFURL,
			Title:     p.Title,
			OwnerID:   ownerID,
			Priority:  models.PriorityNormal,
			Metadata:  map[string]string{"origin": "inbox"},
		})
		return err
	}
}

func TitleFromFilename(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	return strings.Join(strings.Fields(base), " ")
}
