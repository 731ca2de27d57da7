package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, 3, c.MaxConcurrentJobs)
	require.Equal(t, 5, c.PoisonThreshold)
	require.Equal(t, 24*time.Hour, c.PoisonWindow)
	require.Equal(t, int64(5<<20), c.FastTrackMaxBytes)
	require.InDelta(t, 0.22, c.OverlapThreshold, 1e-9)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GENPAPER_MAX_CONCURRENT_JOBS", "7")
	t.Setenv("GENPAPER_JOB_TIMEOUT", "90s")
	t.Setenv("GENPAPER_CITATION_STYLE", "numeric")
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, 7, c.MaxConcurrentJobs)
	require.Equal(t, 90*time.Second, c.JobTimeout)
	require.Equal(t, "numeric", c.CitationStyle)
}

func TestLoadRejectsUnknownStyle(t *testing.T) {
	t.Setenv("GENPAPER_CITATION_STYLE", "harvard")
	_, err := Load()
	require.Error(t, err)
}
