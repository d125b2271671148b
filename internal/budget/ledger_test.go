package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ouroboros-agent/ouroboros/internal/bus"
	"github.com/ouroboros-agent/ouroboros/internal/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestRecordUsageAccumulatesRunningTotals(t *testing.T) {
	store := newTestStore(t)
	l := New(store)
	now := time.Now()

	require.NoError(t, l.RecordUsage(now, bus.LLMUsagePayload{Model: "claude", CostUSD: 1.5, PromptTokens: 100}))
	require.NoError(t, l.RecordUsage(now, bus.LLMUsagePayload{Model: "claude", CostUSD: 2.25, PromptTokens: 50}))

	st, err := store.Load()
	require.NoError(t, err)
	require.InDelta(t, 3.75, st.SpentUSD, 0.0001)
	require.Equal(t, int64(2), st.SpentCalls)
	require.InDelta(t, 3.75, st.SpentSinceLastEvolutionUSD, 0.0001)
}

func TestRemainingUSDNeverNegative(t *testing.T) {
	st := state.State{SpentUSD: 60}
	require.Equal(t, 0.0, RemainingUSD(st, 50))
	require.InDelta(t, 10.0, RemainingUSD(st, 70), 0.0001)
}

func TestExhaustedReportsAtOrOverTotal(t *testing.T) {
	require.True(t, Exhausted(state.State{SpentUSD: 50}, 50))
	require.False(t, Exhausted(state.State{SpentUSD: 49.99}, 50))
}

func TestBreakdownGroupsByKeyKindAndModelCategory(t *testing.T) {
	store := newTestStore(t)
	l := New(store)
	now := time.Now()

	require.NoError(t, l.RecordUsage(now, bus.LLMUsagePayload{CostUSD: 1.0, APIKeyKind: "owner", ModelCategory: "frontier"}))
	require.NoError(t, l.RecordUsage(now, bus.LLMUsagePayload{CostUSD: 2.0, APIKeyKind: "owner", ModelCategory: "frontier"}))
	require.NoError(t, l.RecordUsage(now, bus.LLMUsagePayload{CostUSD: 0.5, APIKeyKind: "owner", ModelCategory: "fast"}))

	breakdown, err := l.Breakdown()
	require.NoError(t, err)
	require.Len(t, breakdown, 2)

	byCategory := make(map[string]CostBreakdown)
	for _, b := range breakdown {
		byCategory[b.ModelCategory] = b
	}
	require.Equal(t, int64(2), byCategory["frontier"].Calls)
	require.InDelta(t, 3.0, byCategory["frontier"].CostUSD, 0.0001)
	require.Equal(t, int64(1), byCategory["fast"].Calls)
	require.InDelta(t, 0.5, byCategory["fast"].CostUSD, 0.0001)
}

func TestBreakdownEmptyLedgerReturnsEmptySlice(t *testing.T) {
	store := newTestStore(t)
	l := New(store)

	breakdown, err := l.Breakdown()
	require.NoError(t, err)
	require.Empty(t, breakdown)
}
