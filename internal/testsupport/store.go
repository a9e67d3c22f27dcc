package testsupport

import (
	"context"
	"testing"

	"hansard/internal/config"
	"hansard/internal/store"
)

// MustOpenStore opens a store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewMeeting upserts a meeting for tests using the provided store.
func NewMeeting(t testing.TB, st *store.Store, municipality, externalID, title string) *store.Meeting {
	t.Helper()

	meeting, err := st.UpsertMeeting(context.Background(), &store.Meeting{
		Municipality: municipality,
		ExternalID:   externalID,
		Title:        title,
	})
	if err != nil {
		t.Fatalf("store.UpsertMeeting: %v", err)
	}
	return meeting
}
