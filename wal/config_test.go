package wal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NilReaderReturnsDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, SyncInterval, cfg.SyncMode)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, 0.1, cfg.EffectiveInfoRatioThreshold)
	require.NoError(t, cfg.Validate())
}

func TestLoad_OverlaysYamlOnDefaults(t *testing.T) {
	in := strings.NewReader(`
sync_mode: always
batch_size: 8
flush_wait_timeout: 30s
`)
	cfg, err := Load(in)
	require.NoError(t, err)
	assert.Equal(t, SyncAlways, cfg.SyncMode)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.FlushWaitTimeout)
	// Untouched fields keep their defaults.
	assert.Equal(t, int64(32*1024*1024), cfg.MaxSegmentSizeBytes)
}

func TestLoad_RejectsInvalidOverrides(t *testing.T) {
	for name, body := range map[string]string{
		"zero batch size":   "batch_size: 0",
		"bad sync mode":     "sync_mode: sometimes",
		"ratio above one":   "effective_info_ratio_threshold: 1.5",
		"negative snapshot": "max_memtable_snapshot_count: -1",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(body))
			assert.Error(t, err)
		})
	}
}
