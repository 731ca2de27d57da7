package activities

import "go.temporal.io/sdk/worker"

func Register(w worker.Worker, a *Activities) {
	w.RegisterActivity(a.BeginGenerationActivity)
	w.RegisterActivity(a.MarkStageActivity)
	w.RegisterActivity(a.SearchPapersActivity)
	w.RegisterActivity(a.OutlineActivity)
	w.RegisterActivity(a.BuildContextsActivity)
	w.RegisterActivity(a.GenerateSectionsActivity)
	w.RegisterActivity(a.ReviewSectionsActivity)
	w.RegisterActivity(a.SaveDocumentActivity)
	w.RegisterActivity(a.FailGenerationActivity)
	w.RegisterActivity(a.EnqueueJobActivity)
	w.RegisterActivity(a.AwaitJobActivity)
}
