package mapping

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/opsconductor/opsconductor/internal/models"
)

// SeedStore is the persistence surface seed files are applied through.
type SeedStore interface {
	UpsertSeverityMapping(ctx context.Context, m models.SeverityMapping) error
	UpsertCategoryMapping(ctx context.Context, m models.CategoryMapping) error
	UpsertTrapMapping(ctx context.Context, m models.TrapMapping) error
}

// SeedFile is the on-disk format operators ship mapping defaults in.
type SeedFile struct {
	Severities []SeedSeverity `yaml:"severities"`
	Categories []SeedCategory `yaml:"categories"`
	Traps      []SeedTrap     `yaml:"traps"`
}

type SeedSeverity struct {
	ConnectorType string `yaml:"connector_type"`
	SourceField   string `yaml:"source_field"`
	SourceValue   string `yaml:"source_value"`
	Severity      string `yaml:"severity"`
}

type SeedCategory struct {
	ConnectorType string `yaml:"connector_type"`
	SourceField   string `yaml:"source_field"`
	SourceValue   string `yaml:"source_value"`
	Category      string `yaml:"category"`
}

type SeedTrap struct {
	TrapOID        string `yaml:"trap_oid"`
	Vendor         string `yaml:"vendor"`
	AlertType      string `yaml:"alert_type"`
	Severity       string `yaml:"severity"`
	Category       string `yaml:"category"`
	IsClear        bool   `yaml:"is_clear"`
	CorrelationKey string `yaml:"correlation_key"`
	Description    string `yaml:"description"`
}

// LoadSeedFile parses a YAML seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return &seed, nil
}

// Apply upserts every seed entry into the mapping tables.
func (f *SeedFile) Apply(ctx context.Context, store SeedStore) error {
	for _, s := range f.Severities {
		m := models.SeverityMapping{
			ConnectorType: s.ConnectorType,
			SourceField:   s.SourceField,
			SourceValue:   s.SourceValue,
			Severity:      models.ParseSeverity(s.Severity),
			Enabled:       true,
		}
		if err := store.UpsertSeverityMapping(ctx, m); err != nil {
			return fmt.Errorf("apply severity mapping %s/%s=%s: %w", s.ConnectorType, s.SourceField, s.SourceValue, err)
		}
	}
	for _, c := range f.Categories {
		m := models.CategoryMapping{
			ConnectorType: c.ConnectorType,
			SourceField:   c.SourceField,
			SourceValue:   c.SourceValue,
			Category:      models.ParseCategory(c.Category),
			Enabled:       true,
		}
		if err := store.UpsertCategoryMapping(ctx, m); err != nil {
			return fmt.Errorf("apply category mapping %s/%s=%s: %w", c.ConnectorType, c.SourceField, c.SourceValue, err)
		}
	}
	for _, t := range f.Traps {
		category := models.ParseCategory(t.Category)
		if t.Category == "" {
			category = models.CategoryNetwork
		}
		m := models.TrapMapping{
			TrapOID:        t.TrapOID,
			Vendor:         t.Vendor,
			AlertType:      t.AlertType,
			Severity:       models.ParseSeverity(t.Severity),
			Category:       category,
			IsClear:        t.IsClear,
			CorrelationKey: t.CorrelationKey,
			Description:    t.Description,
			Enabled:        true,
		}
		if err := store.UpsertTrapMapping(ctx, m); err != nil {
			return fmt.Errorf("apply trap mapping %s: %w", t.TrapOID, err)
		}
	}
	return nil
}

// SeedWatcher re-applies a seed file when it changes on disk and invalidates
// the cache afterwards.
type SeedWatcher struct {
	path    string
	store   SeedStore
	cache   *Cache
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewSeedWatcher applies the seed file once and starts watching it. A missing
// file is not an error; the watcher picks it up when it appears.
func NewSeedWatcher(ctx context.Context, path string, store SeedStore, cache *Cache) (*SeedWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory; editors replace files rather than writing in place
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch seed directory: %w", err)
	}

	sw := &SeedWatcher{
		path:    path,
		store:   store,
		cache:   cache,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}

	if err := sw.apply(ctx); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("Initial mapping seed failed")
		}
	}

	go sw.watchLoop()
	return sw, nil
}

// Stop halts the watcher.
func (sw *SeedWatcher) Stop() {
	close(sw.stopCh)
	sw.watcher.Close()
}

func (sw *SeedWatcher) watchLoop() {
	// Writes arrive in bursts; debounce before re-applying
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(sw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(500*time.Millisecond, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := sw.apply(ctx); err != nil {
					log.Error().Err(err).Str("path", sw.path).Msg("Mapping seed reload failed")
				}
			})
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Seed watcher error")
		case <-sw.stopCh:
			return
		}
	}
}

func (sw *SeedWatcher) apply(ctx context.Context) error {
	seed, err := LoadSeedFile(sw.path)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, sw.store); err != nil {
		return err
	}
	if sw.cache != nil {
		sw.cache.Invalidate()
	}
	log.Info().
		Str("path", sw.path).
		Int("severities", len(seed.Severities)).
		Int("categories", len(seed.Categories)).
		Int("traps", len(seed.Traps)).
		Msg("Applied mapping seed file")
	return nil
}
