package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/definition"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/store"
	"github.com/pitabwire/tabula/model"
)

// sourceSet holds the collections table definitions refer to by name.
type sourceSet struct {
	sources definition.Sources
	// health is nil for the memory driver.
	health observability.HealthChecker
	close  func() error
}

func openSources(ctx context.Context, cfg config.StoreConfig) (*sourceSet, error) {
	if cfg.Driver == "memory" {
		return memorySources(cfg.Collections)
	}

	dsn, err := config.EnvValue(cfg.DSNEnv)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(ctx, cfg.Driver, dsn)
	if err != nil {
		return nil, err
	}
	// Open pins in-memory SQLite to one connection.
	if name, _ := store.DriverName(cfg.Driver); name != "sqlite3" {
		db.DB().SetMaxOpenConns(cfg.MaxOpenConns)
		db.DB().SetMaxIdleConns(cfg.MaxIdleConns)
		db.DB().SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	set, err := sqlSources(db, cfg.Collections)
	if err != nil {
		db.Close()
		return nil, err
	}
	set.health = observability.HealthCheckFunc(db.Ping)
	set.close = db.Close
	return set, nil
}

func memorySources(collections []config.CollectionConfig) (*sourceSet, error) {
	built := make(map[string]*store.MemoryCollection, len(collections))
	for _, c := range collections {
		records, err := loadSeed(c.SeedFile)
		if err != nil {
			return nil, fmt.Errorf("collection %q: %w", c.Name, err)
		}
		built[c.Name] = store.NewMemoryCollection(c.Name, c.PrimaryKey, records...)
	}

	set := &sourceSet{sources: make(definition.Sources, len(built)), close: func() error { return nil }}
	for _, c := range collections {
		owner := built[c.Name]
		for _, rel := range c.Relations {
			target := built[rel.Collection]
			switch store.RelationKind(rel.Kind) {
			case store.BelongsTo:
				owner.BelongsTo(rel.Name, target, rel.ForeignKey)
			case store.HasMany:
				owner.HasMany(rel.Name, target, rel.ForeignKey)
			}
		}
		set.sources[c.Name] = owner
	}
	return set, nil
}

func sqlSources(db *store.SQLStore, collections []config.CollectionConfig) (*sourceSet, error) {
	built := make(map[string]*store.SQLTable, len(collections))
	for _, c := range collections {
		name := c.Table
		if name == "" {
			name = c.Name
		}
		t, err := db.Table(name, c.PrimaryKey)
		if err != nil {
			return nil, fmt.Errorf("collection %q: %w", c.Name, err)
		}
		built[c.Name] = t
	}

	set := &sourceSet{sources: make(definition.Sources, len(built))}
	for _, c := range collections {
		owner := built[c.Name]
		for _, rel := range c.Relations {
			target := built[rel.Collection]
			switch store.RelationKind(rel.Kind) {
			case store.BelongsTo:
				owner.BelongsTo(rel.Name, target, rel.ForeignKey)
			case store.HasMany:
				owner.HasMany(rel.Name, target, rel.ForeignKey)
			}
		}
		set.sources[c.Name] = owner
	}
	return set, nil
}

// loadSeed reads a YAML list of records. An empty path yields no records.
func loadSeed(path string) ([]model.Record, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var records []model.Record
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing seed file %s: %w", path, err)
	}
	return records, nil
}
