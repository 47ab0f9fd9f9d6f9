package instances

import (
	"context"
	"testing"
	"time"

	"github.com/vibetune/OpenTune-Go/player"
)

// mockInstanceRepo is a func-field mock of player.InstanceRepository.
type mockInstanceRepo struct {
	upsertFunc func(ctx context.Context, record *player.InstanceRecord) error
	listFunc   func(ctx context.Context) ([]player.InstanceRecord, error)
	deleteFunc func(ctx context.Context, url string) error
}

func (m *mockInstanceRepo) UpsertInstance(ctx context.Context, record *player.InstanceRecord) error {
	if m.upsertFunc != nil {
		return m.upsertFunc(ctx, record)
	}
	return nil
}

func (m *mockInstanceRepo) ListInstances(ctx context.Context) ([]player.InstanceRecord, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx)
	}
	return nil, nil
}

func (m *mockInstanceRepo) DeleteInstance(ctx context.Context, url string) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, url)
	}
	return nil
}

func result(success bool, latencyMs int64, testedAt time.Time) player.InstanceTestResult {
	return player.InstanceTestResult{Success: success, LatencyMs: latencyMs, TestedAt: testedAt}
}

func TestRegistryAddNormalizesURL(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Add(player.InstanceRecord{URL: " https://a.example/ ", Name: "a"})
	r.Add(player.InstanceRecord{URL: "https://a.example", Name: "a-again"})

	if r.Len() != 1 {
		t.Fatalf("expected deduplicated instance, got %d", r.Len())
	}
	all := r.All()
	if all[0].URL != "https://a.example" {
		t.Errorf("expected trimmed URL, got %q", all[0].URL)
	}
	if all[0].Name != "a-again" {
		t.Errorf("re-adding should update the name, got %q", all[0].Name)
	}
}

func TestGetOrderedInstancesPreferredFirst(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Add(player.InstanceRecord{URL: "https://a.example"})
	r.Add(player.InstanceRecord{URL: "https://b.example"})
	r.Add(player.InstanceRecord{URL: "https://c.example"})

	now := time.Now()
	ctx := context.Background()
	// b is the healthiest, c the slowest but most recently successful.
	r.RecordResult(ctx, "https://b.example", result(true, 50, now.Add(-time.Minute)))
	r.RecordResult(ctx, "https://c.example", result(true, 900, now))

	if err := r.SetPreferred(ctx, "https://a.example"); err != nil {
		t.Fatalf("set preferred: %v", err)
	}

	ordered := r.GetOrderedInstances()
	want := []string{"https://a.example", "https://c.example", "https://b.example"}
	if len(ordered) != len(want) {
		t.Fatalf("expected %d instances, got %d", len(want), len(ordered))
	}
	for i, url := range want {
		if ordered[i].URL != url {
			t.Errorf("position %d: expected %s, got %s", i, url, ordered[i].URL)
		}
	}
}

func TestGetOrderedInstancesLatencyTieBreak(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Add(player.InstanceRecord{URL: "https://slow.example"})
	r.Add(player.InstanceRecord{URL: "https://fast.example"})

	now := time.Now()
	ctx := context.Background()
	r.RecordResult(ctx, "https://slow.example", result(true, 800, now))
	r.RecordResult(ctx, "https://fast.example", result(true, 40, now))

	ordered := r.GetOrderedInstances()
	if ordered[0].URL != "https://fast.example" {
		t.Errorf("expected lower latency first, got %s", ordered[0].URL)
	}
}

func TestGetOrderedInstancesUnknownHealthKeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Add(player.InstanceRecord{URL: "https://one.example"})
	r.Add(player.InstanceRecord{URL: "https://two.example"})
	r.Add(player.InstanceRecord{URL: "https://three.example"})

	ordered := r.GetOrderedInstances()
	want := []string{"https://one.example", "https://two.example", "https://three.example"}
	for i, url := range want {
		if ordered[i].URL != url {
			t.Errorf("position %d: expected %s, got %s", i, url, ordered[i].URL)
		}
	}
}

func TestAutoFallbackDisabled(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Add(player.InstanceRecord{URL: "https://a.example"})
	r.Add(player.InstanceRecord{URL: "https://b.example"})
	r.SetAutoFallback(false)

	if ordered := r.GetOrderedInstances(); ordered != nil {
		t.Fatalf("expected empty list without preferred instance, got %v", ordered)
	}

	if err := r.SetPreferred(context.Background(), "https://b.example"); err != nil {
		t.Fatalf("set preferred: %v", err)
	}
	ordered := r.GetOrderedInstances()
	if len(ordered) != 1 || ordered[0].URL != "https://b.example" {
		t.Fatalf("expected only the preferred instance, got %v", ordered)
	}
}

func TestSetPreferredUnknown(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Add(player.InstanceRecord{URL: "https://a.example"})

	if err := r.SetPreferred(context.Background(), "https://nope.example"); err == nil {
		t.Fatal("expected error for unknown instance")
	}
	if err := r.SetPreferred(context.Background(), ""); err != nil {
		t.Fatalf("clearing preferred should succeed: %v", err)
	}
	if r.Preferred() != "" {
		t.Errorf("expected cleared preferred, got %q", r.Preferred())
	}
}

func TestRecordResultWritesThrough(t *testing.T) {
	var persisted []player.InstanceRecord
	repo := &mockInstanceRepo{
		upsertFunc: func(ctx context.Context, record *player.InstanceRecord) error {
			persisted = append(persisted, *record)
			return nil
		},
	}

	r := NewRegistry(repo, nil)
	r.Add(player.InstanceRecord{URL: "https://a.example"})
	r.RecordResult(context.Background(), "https://a.example", result(true, 10, time.Now()))

	if len(persisted) != 1 {
		t.Fatalf("expected 1 write-through, got %d", len(persisted))
	}
	if persisted[0].LastResult == nil || !persisted[0].LastResult.Success {
		t.Error("expected persisted health result")
	}
}

func TestRecordResultUnknownInstanceIgnored(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.RecordResult(context.Background(), "https://nope.example", result(true, 1, time.Now()))
	if r.Len() != 0 {
		t.Fatal("recording for an unknown instance must not create one")
	}
}

func TestLoadPersistedMergesHistory(t *testing.T) {
	stored := []player.InstanceRecord{
		{URL: "https://known.example", IsPreferred: true, LastResult: &player.InstanceTestResult{Success: true, LatencyMs: 12, TestedAt: time.Now()}},
		{URL: "https://restored.example", Name: "restored"},
	}
	repo := &mockInstanceRepo{
		listFunc: func(ctx context.Context) ([]player.InstanceRecord, error) {
			return stored, nil
		},
	}

	r := NewRegistry(repo, nil)
	r.Add(player.InstanceRecord{URL: "https://known.example", Name: "known"})

	if err := r.LoadPersisted(context.Background()); err != nil {
		t.Fatalf("load persisted: %v", err)
	}

	if r.Len() != 2 {
		t.Fatalf("expected 2 instances after merge, got %d", r.Len())
	}
	if r.Preferred() != "https://known.example" {
		t.Errorf("expected preferred restored, got %q", r.Preferred())
	}
	all := r.All()
	if all[0].LastResult == nil {
		t.Error("expected health history restored onto known instance")
	}
}
