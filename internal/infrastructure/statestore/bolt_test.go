package statestore

import (
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

func openTemp(t *testing.T) (*BoltStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := Open(path, logger.Nop())
	require.NoError(t, err)
	return st, path
}

func TestSaveAndReload(t *testing.T) {
	st, path := openTemp(t)

	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveFeedState(&models.FeedState{
		FeedID: "A", TenantID: "acme", Phase: models.PhaseQuarantined,
		ConsecutiveFailures: 10, NextDue: due, Watermark: "v7",
	}))
	require.NoError(t, st.SaveFeedState(&models.FeedState{FeedID: "A", TenantID: "globex", Phase: models.PhaseIdle}))
	require.NoError(t, st.Close())

	st, err := Open(path, logger.Nop())
	require.NoError(t, err)
	defer st.Close()

	states, err := st.LoadFeedStates()
	require.NoError(t, err)
	require.Len(t, states, 2)
	sort.Slice(states, func(i, j int) bool { return states[i].TenantID < states[j].TenantID })

	assert.Equal(t, "acme", states[0].TenantID)
	assert.Equal(t, models.PhaseQuarantined, states[0].Phase)
	assert.Equal(t, 10, states[0].ConsecutiveFailures)
	assert.Equal(t, "v7", states[0].Watermark)
	assert.True(t, due.Equal(states[0].NextDue))
	assert.Equal(t, "globex", states[1].TenantID)
}

func TestSaveReplaces(t *testing.T) {
	st, _ := openTemp(t)
	defer st.Close()

	require.NoError(t, st.SaveFeedState(&models.FeedState{FeedID: "A", TenantID: "acme", ConsecutiveFailures: 3}))
	require.NoError(t, st.SaveFeedState(&models.FeedState{FeedID: "A", TenantID: "acme", ConsecutiveFailures: 0, Watermark: "v2"}))

	states, err := st.LoadFeedStates()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 0, states[0].ConsecutiveFailures)
	assert.Equal(t, "v2", states[0].Watermark)
}

func TestDeleteFeedState(t *testing.T) {
	st, _ := openTemp(t)
	defer st.Close()

	require.NoError(t, st.SaveFeedState(&models.FeedState{FeedID: "A", TenantID: "acme"}))
	require.NoError(t, st.DeleteFeedState("acme", "A"))

	states, err := st.LoadFeedStates()
	require.NoError(t, err)
	assert.Empty(t, states)
}
