package config

import (
	"fmt"

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/arrowbatch"
	"github.com/spiceai/spice/internal/engine"
)

// ResolveDataset converts a parsed DatasetSpec into the engine's Dataset
// type. Schema is supplied separately because it's discovered from the
// Source Adapter at registration time, not declared in YAML.
func ResolveDataset(spec DatasetSpec, schema arrowbatch.Schema) (*engine.Dataset, error) {
	common := engine.CommonRefreshOptions{
		CheckInterval: spec.Refresh.CheckInterval,
		RetryPolicy:   resolveRetry(spec.Refresh.Retry),
	}

	var policy engine.RefreshPolicy
	switch spec.Refresh.Mode {
	case "", "full":
		policy = engine.FullRefresh{CommonRefreshOptions: common}
	case "append":
		policy = engine.AppendRefresh{
			CommonRefreshOptions: common,
			Overlap:              spec.Refresh.Overlap,
			RefreshSQL:            spec.Refresh.RefreshSQL,
		}
	case "changes":
		policy = engine.ChangesRefresh{
			CommonRefreshOptions: common,
			ChangeColumn:          spec.Refresh.ChangeColumn,
		}
	default:
		return nil, fmt.Errorf("unknown refresh mode %q", spec.Refresh.Mode)
	}

	var retention *engine.RetentionPolicy
	if spec.Retention != nil {
		retention = &engine.RetentionPolicy{
			Column: spec.Retention.Column,
			Window: spec.Retention.Window,
			Check:  spec.Retention.Check,
		}
	}

	onConflict := map[string]accel.ConflictAction{}
	for col, action := range spec.OnConflict {
		switch action {
		case "drop":
			onConflict[col] = accel.ConflictDrop
		case "upsert":
			onConflict[col] = accel.ConflictUpsert
		default:
			return nil, fmt.Errorf("column %q: unknown on_conflict action %q", col, action)
		}
	}

	indexes := make([]engine.IndexSpec, len(spec.Indexes))
	for i, idx := range spec.Indexes {
		mode := engine.IndexEnabled
		if idx.Mode == "unique" {
			mode = engine.IndexUnique
		}
		indexes[i] = engine.IndexSpec{Column: idx.Column, Mode: mode}
	}

	readyState := engine.ReadyOnLoad
	if spec.ReadyState.Resolve() == "registration" || spec.ReadyState.Resolve() == "on_registration" {
		readyState = engine.ReadyOnRegistration
	}

	zeroResults := engine.ZeroResultsReturnEmpty
	if spec.OnZeroResults == "use_source" {
		zeroResults = engine.ZeroResultsUseSource
	}

	unsupported := arrowbatch.UnsupportedTypeWarn
	switch spec.UnsupportedType {
	case "error":
		unsupported = arrowbatch.UnsupportedTypeError
	case "ignore":
		unsupported = arrowbatch.UnsupportedTypeIgnore
	case "string":
		unsupported = arrowbatch.UnsupportedTypeString
	}

	return &engine.Dataset{
		Name: spec.Name,
		Source: engine.SourceLocator{
			Connection: spec.Connection,
			Table:      spec.Table,
		},
		Schema:                schema,
		TimeColumn:            spec.TimeColumn,
		TimeFormat:            spec.TimeFormat,
		TimePartitionColumn:   spec.TimePartitionColumn,
		TimePartitionFormat:   spec.TimePartitionFormat,
		PrimaryKey:            spec.PrimaryKey,
		Indexes:               indexes,
		Refresh:               policy,
		Retention:             retention,
		OnConflict:            onConflict,
		ReadyState:            readyState,
		OnZeroResults:         zeroResults,
		UnsupportedTypeAction: unsupported,
		DependsOn:             spec.DependsOn,
	}, nil
}

func resolveRetry(spec *RetrySpec) engine.RetrySpec {
	if spec == nil {
		return engine.RetrySpec{}
	}
	return engine.RetrySpec{
		MaxAttempts: spec.MaxAttempts,
		BaseBackoff: spec.BaseBackoff,
		MaxBackoff:  spec.MaxBackoff,
		Jitter:      spec.Jitter,
	}
}
