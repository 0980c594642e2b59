package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosfleet/rosfleet/pkg/storage"
)

func TestCollectorTracksDatabaseHealth(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	c := NewCollector(store, nil, nil)
	c.collect()

	health := GetHealth()
	assert.Equal(t, "healthy", health.Components["database"])

	// A failing fleet scan marks the database component unhealthy
	require.NoError(t, store.Close())
	c.collect()

	health = GetHealth()
	assert.Contains(t, health.Components["database"], "unhealthy")
	assert.Equal(t, "unhealthy", health.Status)
}
