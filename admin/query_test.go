package admin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/txndispatch/dispatch"
)

func TestEntriesFromSnapshot(t *testing.T) {
	snap := dispatch.RegistrySnapshot{
		Registered: []dispatch.RoutingKey{{Family: "settlement", Version: "1.0"}},
		WaitingDepths: map[dispatch.RoutingKey]int{
			{Family: "settlement", Version: "1.0"}: 3,
			{Family: "ledger", Version: "2.0"}:      1,
		},
	}
	entries := entriesFromSnapshot(snap)
	require.Len(t, entries, 2)

	byFamily := map[string]registryEntry{}
	for _, e := range entries {
		byFamily[e.Family] = e
	}
	assert.Equal(t, 3, byFamily["settlement"].Waiting)
	assert.Equal(t, 1, byFamily["ledger"].Waiting)
}

func TestFilterEntries_WaitingGreaterThanZero(t *testing.T) {
	entries := []registryEntry{
		{Family: "a", Version: "1.0", Waiting: 0},
		{Family: "b", Version: "1.0", Waiting: 4},
	}
	filtered, err := filterEntries(entries, "waiting > 0")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "b", filtered[0].Family)
}

func TestFilterEntries_CompoundExpression(t *testing.T) {
	entries := []registryEntry{
		{Family: "settlement", Version: "1.0", Waiting: 5},
		{Family: "settlement", Version: "2.0", Waiting: 0},
		{Family: "ledger", Version: "1.0", Waiting: 5},
	}
	filtered, err := filterEntries(entries, `family == "settlement" && waiting > 0`)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "settlement", filtered[0].Family)
	assert.Equal(t, "1.0", filtered[0].Version)
}

func TestFilterEntries_EmptyExpressionPassesThrough(t *testing.T) {
	entries := []registryEntry{{Family: "a", Version: "1.0", Waiting: 0}}
	filtered, err := filterEntries(entries, "")
	require.NoError(t, err)
	assert.Equal(t, entries, filtered)
}

func TestFilterEntries_InvalidExpressionErrors(t *testing.T) {
	_, err := filterEntries([]registryEntry{{Family: "a"}}, "waiting >")
	assert.Error(t, err)
}

func TestFilterEntries_NonBooleanExpressionErrors(t *testing.T) {
	_, err := filterEntries([]registryEntry{{Family: "a"}}, "waiting + 1")
	assert.Error(t, err)
}
