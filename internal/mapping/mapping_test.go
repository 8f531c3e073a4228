package mapping

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.Config{DBPath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

const seedYAML = `severities:
  - connector_type: prtg
    source_field: status
    source_value: "5"
    severity: critical
  - connector_type: prtg
    source_field: status
    source_value: "4"
    severity: catastrophic
categories:
  - connector_type: prtg
    source_field: group
    source_value: "UPS Devices"
    category: power
traps:
  - trap_oid: 1.3.6.1.4.1.534.0.5
    vendor: eaton
    alert_type: ups_on_battery
    severity: major
    description: UPS switched to battery power
  - trap_oid: 1.3.6.1.4.1.534.0.7
    vendor: eaton
    alert_type: ups_on_battery
    severity: clear
    is_clear: true
    correlation_key: ups_on_battery
`

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mappings.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write seed file: %v", err)
	}
	return path
}

func TestLoadSeedFile(t *testing.T) {
	seed, err := LoadSeedFile(writeSeedFile(t, seedYAML))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if len(seed.Severities) != 2 || len(seed.Categories) != 1 || len(seed.Traps) != 2 {
		t.Fatalf("unexpected counts: %d severities, %d categories, %d traps",
			len(seed.Severities), len(seed.Categories), len(seed.Traps))
	}
	if s := seed.Severities[0]; s.ConnectorType != "prtg" || s.SourceValue != "5" || s.Severity != "critical" {
		t.Errorf("unexpected severity entry: %+v", s)
	}
	tr := seed.Traps[1]
	if !tr.IsClear || tr.CorrelationKey != "ups_on_battery" {
		t.Errorf("clear trap not parsed: %+v", tr)
	}
	if tr.Category != "" {
		t.Errorf("expected empty category before apply, got %q", tr.Category)
	}
}

func TestLoadSeedFileMissing(t *testing.T) {
	_, err := LoadSeedFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLoadSeedFileMalformed(t *testing.T) {
	if _, err := LoadSeedFile(writeSeedFile(t, "severities: [oops")); err == nil {
		t.Error("expected parse error for malformed yaml")
	}
}

func TestSeedApply(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seed, err := LoadSeedFile(writeSeedFile(t, seedYAML))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := seed.Apply(ctx, st); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	sevs, err := st.ListSeverityMappings(ctx)
	if err != nil {
		t.Fatalf("list severities failed: %v", err)
	}
	if len(sevs) != 2 {
		t.Fatalf("expected 2 severity rows, got %d", len(sevs))
	}
	bySource := map[string]models.Severity{}
	for _, m := range sevs {
		if !m.Enabled {
			t.Errorf("seeded mapping %s=%s not enabled", m.SourceField, m.SourceValue)
		}
		bySource[m.SourceValue] = m.Severity
	}
	if bySource["5"] != models.SeverityCritical {
		t.Errorf("status 5 = %s, want critical", bySource["5"])
	}
	// Unknown severity words fall back to warning rather than failing the seed
	if bySource["4"] != models.SeverityWarning {
		t.Errorf("unrecognized severity mapped to %s, want warning", bySource["4"])
	}

	traps, err := st.ListTrapMappings(ctx)
	if err != nil {
		t.Fatalf("list traps failed: %v", err)
	}
	byOID := map[string]models.TrapMapping{}
	for _, m := range traps {
		byOID[m.TrapOID] = m
	}
	raise := byOID["1.3.6.1.4.1.534.0.5"]
	if raise.Category != models.CategoryNetwork {
		t.Errorf("trap without category stored as %s, want network default", raise.Category)
	}
	clear := byOID["1.3.6.1.4.1.534.0.7"]
	if !clear.IsClear || clear.Severity != models.SeverityClear {
		t.Errorf("clear trap stored wrong: %+v", clear)
	}
}

func TestSeedApplyIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seed := &SeedFile{Severities: []SeedSeverity{
		{ConnectorType: "prtg", SourceField: "status", SourceValue: "5", Severity: "warning"},
	}}
	if err := seed.Apply(ctx, st); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	// Re-applying with a changed severity updates the row in place
	seed.Severities[0].Severity = "critical"
	if err := seed.Apply(ctx, st); err != nil {
		t.Fatalf("second apply failed: %v", err)
	}

	sevs, err := st.ListSeverityMappings(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sevs) != 1 {
		t.Fatalf("expected 1 row after re-apply, got %d", len(sevs))
	}
	if sevs[0].Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical", sevs[0].Severity)
	}
}

func TestCacheLookups(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertSeverityMapping(ctx, models.SeverityMapping{
		ConnectorType: "prtg", SourceField: "status", SourceValue: "5",
		Severity: models.SeverityCritical, Enabled: true,
	}); err != nil {
		t.Fatalf("upsert severity failed: %v", err)
	}
	if err := st.UpsertCategoryMapping(ctx, models.CategoryMapping{
		ConnectorType: "prtg", SourceField: "group", SourceValue: "UPS Devices",
		Category: models.CategoryPower, Enabled: true,
	}); err != nil {
		t.Fatalf("upsert category failed: %v", err)
	}
	if err := st.UpsertTrapMapping(ctx, models.TrapMapping{
		TrapOID: "1.3.6.1.4.1.534.0.5", Vendor: "eaton", AlertType: "ups_on_battery",
		Severity: models.SeverityMajor, Category: models.CategoryPower, Enabled: true,
	}); err != nil {
		t.Fatalf("upsert trap failed: %v", err)
	}

	// Long interval keeps the timer out of the test; refreshes are explicit
	cache := New(ctx, st, time.Hour)
	defer cache.Stop()

	if sev, ok := cache.Severity("prtg", "status", "5"); !ok || sev != models.SeverityCritical {
		t.Errorf("Severity(prtg, status, 5) = %s, %v", sev, ok)
	}
	if _, ok := cache.Severity("prtg", "status", "1"); ok {
		t.Error("unmapped value should miss")
	}
	if cat, ok := cache.Category("prtg", "group", "UPS Devices"); !ok || cat != models.CategoryPower {
		t.Errorf("Category lookup = %s, %v", cat, ok)
	}
	trap, ok := cache.Trap("1.3.6.1.4.1.534.0.5")
	if !ok || trap.AlertType != "ups_on_battery" || trap.Vendor != "eaton" {
		t.Errorf("Trap lookup = %+v, %v", trap, ok)
	}
	if n := cache.TrapCount(); n != 1 {
		t.Errorf("TrapCount = %d, want 1", n)
	}
	if cache.LoadedAt().IsZero() {
		t.Error("LoadedAt should be set after a successful load")
	}
}

func TestCacheRefreshPicksUpNewRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cache := New(ctx, st, time.Hour)
	defer cache.Stop()

	if err := st.UpsertSeverityMapping(ctx, models.SeverityMapping{
		ConnectorType: "ciena", SourceField: "severity", SourceValue: "SA",
		Severity: models.SeverityCritical, Enabled: true,
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// The snapshot is immutable; new rows stay invisible until a refresh
	if _, ok := cache.Severity("ciena", "severity", "SA"); ok {
		t.Error("lookup hit before refresh")
	}
	if err := cache.Refresh(ctx); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if sev, ok := cache.Severity("ciena", "severity", "SA"); !ok || sev != models.SeverityCritical {
		t.Errorf("Severity after refresh = %s, %v", sev, ok)
	}
}

type failingMappingStore struct{}

func (failingMappingStore) ListSeverityMappings(context.Context) ([]models.SeverityMapping, error) {
	return nil, errors.New("db gone")
}

func (failingMappingStore) ListCategoryMappings(context.Context) ([]models.CategoryMapping, error) {
	return nil, errors.New("db gone")
}

func (failingMappingStore) ListTrapMappings(context.Context) ([]models.TrapMapping, error) {
	return nil, errors.New("db gone")
}

func TestCacheSurvivesLoadFailure(t *testing.T) {
	cache := New(context.Background(), failingMappingStore{}, time.Hour)
	defer cache.Stop()

	if _, ok := cache.Severity("prtg", "status", "5"); ok {
		t.Error("lookup hit against empty cache")
	}
	if n := cache.TrapCount(); n != 0 {
		t.Errorf("TrapCount = %d, want 0", n)
	}
	if !cache.LoadedAt().IsZero() {
		t.Error("LoadedAt should stay zero when every load fails")
	}
	if err := cache.Refresh(context.Background()); err == nil {
		t.Error("expected refresh error from failing store")
	}
}

func TestSeedWatcherAppliesOnCreation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	watcher, err := NewSeedWatcher(ctx, writeSeedFile(t, seedYAML), st, nil)
	if err != nil {
		t.Fatalf("watcher creation failed: %v", err)
	}
	defer watcher.Stop()

	sevs, err := st.ListSeverityMappings(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sevs) != 2 {
		t.Errorf("expected 2 severity rows after initial apply, got %d", len(sevs))
	}
}

func TestSeedWatcherToleratesMissingFile(t *testing.T) {
	st := newTestStore(t)

	path := filepath.Join(t.TempDir(), "not-yet-written.yaml")
	watcher, err := NewSeedWatcher(context.Background(), path, st, nil)
	if err != nil {
		t.Fatalf("watcher creation failed for missing file: %v", err)
	}
	watcher.Stop()
}
