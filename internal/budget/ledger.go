// Package budget tracks spend against the configured total budget (spec
// §3 "Budget ledger") by appending one JSONL record per billed LLM call
// and folding its cost into the durable state's running totals.
//
// Grounded on the teacher's append-only audit idiom
// (internal/audit/audit.go) generalized from "security/refusal events"
// to "one record per billed call."
package budget

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ouroboros-agent/ouroboros/internal/bus"
	"github.com/ouroboros-agent/ouroboros/internal/state"
)

// Entry is one JSONL record in the ledger.
type Entry struct {
	At               time.Time `json:"at"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	APIKeyKind       string    `json:"api_key_kind,omitempty"`
	ModelCategory    string    `json:"model_category,omitempty"`
	TaskCategory     string    `json:"task_category,omitempty"`
}

// Ledger appends Entry records and maintains the running totals in
// state.State (spent_usd, spent_calls, spent_since_last_evolution_usd).
type Ledger struct {
	store *state.Store
	log   *state.JSONLLog
}

// New opens the ledger's backing JSONL log under logs/budget_ledger.jsonl.
func New(store *state.Store) *Ledger {
	return &Ledger{store: store, log: store.OpenJSONLLog("logs/budget_ledger.jsonl")}
}

// RecordUsage appends one ledger entry from an llm_usage bus event and
// folds its cost into the durable running totals (spec §4.7 step 3:
// "update budget ledger on llm_usage").
func (l *Ledger) RecordUsage(now time.Time, p bus.LLMUsagePayload) error {
	entry := Entry{
		At:               now,
		Model:            p.Model,
		PromptTokens:     p.PromptTokens,
		CompletionTokens: p.CompletionTokens,
		CostUSD:          p.CostUSD,
		APIKeyKind:       p.APIKeyKind,
		ModelCategory:    p.ModelCategory,
		TaskCategory:     p.TaskCategory,
	}
	if err := l.log.Append(entry); err != nil {
		return fmt.Errorf("append budget ledger entry: %w", err)
	}
	_, err := l.store.Mutate(func(st *state.State) error {
		st.SpentUSD += p.CostUSD
		st.SpentCalls++
		st.SpentSinceLastEvolutionUSD += p.CostUSD
		return nil
	})
	return err
}

// RemainingUSD reports how much budget is left against total, never
// negative.
func RemainingUSD(st state.State, totalUSD float64) float64 {
	remaining := totalUSD - st.SpentUSD
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Exhausted reports whether spend has reached or passed the configured
// total budget.
func Exhausted(st state.State, totalUSD float64) bool {
	return st.SpentUSD >= totalUSD
}

// CostBreakdown is one (api_key_kind, model_category) bucket's running
// totals, queried on demand for /status (supplementing spec §3, grounded
// on original_source/server.py's api_cost_breakdown).
type CostBreakdown struct {
	APIKeyKind    string  `json:"api_key_kind"`
	ModelCategory string  `json:"model_category"`
	Calls         int64   `json:"calls"`
	CostUSD       float64 `json:"cost_usd"`
}

// Breakdown re-reads the ledger's JSONL log and folds every entry into
// its (api_key_kind, model_category) bucket. It is O(log size); callers
// on a hot path should cache the result rather than call this per tick.
func (l *Ledger) Breakdown() ([]CostBreakdown, error) {
	buckets := make(map[[2]string]*CostBreakdown)
	var order [][2]string

	err := l.log.ReadAll(func(line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("parse ledger entry: %w", err)
		}
		key := [2]string{e.APIKeyKind, e.ModelCategory}
		b, ok := buckets[key]
		if !ok {
			b = &CostBreakdown{APIKeyKind: e.APIKeyKind, ModelCategory: e.ModelCategory}
			buckets[key] = b
			order = append(order, key)
		}
		b.Calls++
		b.CostUSD += e.CostUSD
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]CostBreakdown, 0, len(order))
	for _, key := range order {
		out = append(out, *buckets[key])
	}
	return out, nil
}
