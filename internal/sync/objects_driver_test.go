package sync

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/elba"
)

type fakeObjectsSource struct {
	deltas  map[string]registry.ObjectsDelta
	errs    map[string]error
	cursors []string
}

func (f *fakeObjectsSource) FetchObjectsDelta(_ context.Context, cursor string) (registry.ObjectsDelta, error) {
	f.cursors = append(f.cursors, cursor)
	if err := f.errs[cursor]; err != nil {
		return registry.ObjectsDelta{}, err
	}
	delta, ok := f.deltas[cursor]
	if !ok {
		return registry.ObjectsDelta{}, errors.New("unexpected cursor " + cursor)
	}
	return delta, nil
}

type fakeObjectsClient struct {
	updated       [][]elba.DataProtectionObject
	deletedIDs    [][]string
	deletedBefore []time.Time
	statusUpdates []elba.ConnectionErrorType
}

func (f *fakeObjectsClient) UpdateDataProtectionObjects(_ context.Context, objects []elba.DataProtectionObject) error {
	f.updated = append(f.updated, objects)
	return nil
}

func (f *fakeObjectsClient) DeleteDataProtectionObjectsByIDs(_ context.Context, ids []string) error {
	f.deletedIDs = append(f.deletedIDs, ids)
	return nil
}

func (f *fakeObjectsClient) DeleteDataProtectionObjectsSyncedBefore(_ context.Context, syncedBefore time.Time) error {
	f.deletedBefore = append(f.deletedBefore, syncedBefore)
	return nil
}

func (f *fakeObjectsClient) UpdateConnectionStatus(_ context.Context, errorType elba.ConnectionErrorType, _ any) error {
	f.statusUpdates = append(f.statusUpdates, errorType)
	return nil
}

func objectsDelta(ids []string, next, token string) registry.ObjectsDelta {
	delta := registry.ObjectsDelta{NextCursor: next, DeltaToken: token}
	for _, id := range ids {
		delta.Objects = append(delta.Objects, elba.DataProtectionObject{ID: id, Name: id})
	}
	return delta
}

func TestRunObjectsSyncFullSweepPrunesAndSavesToken(t *testing.T) {
	source := &fakeObjectsSource{deltas: map[string]registry.ObjectsDelta{
		"":      objectsDelta([]string{"doc1"}, "page2", ""),
		"page2": objectsDelta([]string{"doc2"}, "", "delta-final"),
	}}
	client := &fakeObjectsClient{}

	var saved string
	d := &ObjectsDriver{
		Kind:           "fake",
		Source:         source,
		Client:         client,
		SaveDeltaToken: func(_ context.Context, token string) error { saved = token; return nil },
		MaxAttempts:    2,
		FailureBackoff: time.Millisecond,
	}

	if err := d.RunObjectsSync(context.Background()); err != nil {
		t.Fatalf("RunObjectsSync: %v", err)
	}
	if len(source.cursors) != 2 || source.cursors[0] != "" || source.cursors[1] != "page2" {
		t.Fatalf("cursors = %v", source.cursors)
	}
	if len(client.updated) != 2 {
		t.Fatalf("object batches = %d, want 2", len(client.updated))
	}
	if len(client.deletedBefore) != 1 {
		t.Fatalf("full sweep must prune stale objects")
	}
	if saved != "delta-final" {
		t.Fatalf("saved token = %q", saved)
	}
}

func TestRunObjectsSyncResumesFromDeltaToken(t *testing.T) {
	source := &fakeObjectsSource{deltas: map[string]registry.ObjectsDelta{
		"delta-old": {DeletedObjectIDs: []string{"doc9"}, DeltaToken: "delta-new"},
	}}
	client := &fakeObjectsClient{}

	var saved string
	d := &ObjectsDriver{
		Kind:           "fake",
		Source:         source,
		Client:         client,
		LoadDeltaToken: func(_ context.Context) (string, error) { return "delta-old", nil },
		SaveDeltaToken: func(_ context.Context, token string) error { saved = token; return nil },
	}

	if err := d.RunObjectsSync(context.Background()); err != nil {
		t.Fatalf("RunObjectsSync: %v", err)
	}
	if len(source.cursors) != 1 || source.cursors[0] != "delta-old" {
		t.Fatalf("cursors = %v", source.cursors)
	}
	if len(client.deletedIDs) != 1 || client.deletedIDs[0][0] != "doc9" {
		t.Fatalf("deleted ids = %v", client.deletedIDs)
	}
	if len(client.deletedBefore) != 0 {
		t.Fatalf("delta sweep must not prune by timestamp")
	}
	if saved != "delta-new" {
		t.Fatalf("saved token = %q", saved)
	}
}

func TestRunObjectsSyncUnauthorizedFlagsConnection(t *testing.T) {
	source := &fakeObjectsSource{errs: map[string]error{
		"": registry.NewStatusError("/delta", http.StatusUnauthorized, []byte("expired")),
	}}
	client := &fakeObjectsClient{}

	d := &ObjectsDriver{
		Kind:           "fake",
		Source:         source,
		Client:         client,
		MaxAttempts:    3,
		FailureBackoff: time.Millisecond,
	}

	err := d.RunObjectsSync(context.Background())
	if !registry.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if len(source.cursors) != 1 {
		t.Fatalf("unauthorized must not be retried, got %d attempts", len(source.cursors))
	}
	if len(client.statusUpdates) != 1 || client.statusUpdates[0] != elba.ConnectionErrorUnauthorized {
		t.Fatalf("status updates = %v", client.statusUpdates)
	}
	if len(client.deletedBefore) != 0 {
		t.Fatalf("aborted sweep must not prune objects")
	}
}
