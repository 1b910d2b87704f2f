package index

import "context"

// Status is the index overview served by the status endpoint and tool.
type Status struct {
	Chunks      int            `json:"chunks"`
	Notes       int            `json:"notes"`
	ActiveModel string         `json:"active_model"`
	IndexModel  string         `json:"index_model,omitempty"`
	Health      HealthSnapshot `json:"health"`
}

// Status collects the current index status.
func (ix *Indexer) Status(ctx context.Context) Status {
	st := Status{
		Chunks:      ix.store.Count(ctx),
		Notes:       ix.store.PathCount(ctx),
		ActiveModel: ix.emb.Active().Key,
		Health:      ix.health.Snapshot(),
	}
	if m, ok := ix.store.IndexModel(ctx); ok {
		st.IndexModel = m
	}
	return st
}
