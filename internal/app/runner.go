package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/commonsmeta/aggmds/internal/adapter"
	"github.com/commonsmeta/aggmds/internal/config"
	"github.com/commonsmeta/aggmds/internal/index"
	"github.com/commonsmeta/aggmds/internal/pipeline"
	"github.com/commonsmeta/aggmds/internal/query"
)

// RunParams contains dependencies for the run functions
type RunParams struct {
	LoadSettings  func(*pflag.FlagSet) (*config.Settings, error)
	ValidSettings func(*config.Settings) error
	LoadPipeline  func(path string, knownAdapters []string) (*config.Pipeline, error)
	OpenIndexes   func(baseDir string) (*index.Manager, error)
	Serve         func(*http.Server) error
}

// DefaultRunParams returns production dependencies
func DefaultRunParams() RunParams {
	return RunParams{
		LoadSettings:  config.LoadSettingsWithFlags,
		ValidSettings: config.ValidateSettings,
		LoadPipeline:  config.LoadPipeline,
		OpenIndexes:   index.NewManager,
		Serve: func(srv *http.Server) error {
			return srv.ListenAndServe()
		},
	}
}

func setup(params RunParams, flags *pflag.FlagSet, version string) (*config.Settings, error) {
	settings, err := params.LoadSettings(flags)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if err := params.ValidSettings(settings); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Configure logging - always use stderr to avoid buffering issues
	handler := slog.NewTextHandler(os.Stderr, nil)
	slog.SetDefault(slog.New(handler))

	slog.Info("Starting aggmds", "version", version)
	config.Log(settings)
	return settings, nil
}

// RunPopulate executes one rebuild cycle from a pipeline config file.
// A cycle that is skipped because every source returned nothing is not
// an error; configuration problems and aborted rebuilds are.
func RunPopulate(ctx context.Context, params RunParams, flags *pflag.FlagSet, version string) error {
	settings, err := setup(params, flags, version)
	if err != nil {
		return err
	}

	configPath, err := flags.GetString("config")
	if err != nil || configPath == "" {
		return fmt.Errorf("populate requires --config")
	}

	client := adapter.NewClient(adapter.RetryPolicy{
		MaxAttempts: settings.Retry.MaxAttempts,
		Wait:        settings.Retry.Wait,
	}, settings.HTTPTimeout)
	registry := adapter.NewRegistry(client)

	pipelineConfig, err := params.LoadPipeline(configPath, registry.Names())
	if err != nil {
		return err
	}

	indexes, err := params.OpenIndexes(settings.BaseDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := indexes.Close(); err != nil {
			slog.Error("Failed to close indexes", "error", err)
		}
	}()

	orchestrator := pipeline.New(pipelineConfig, registry, indexes, client, settings.MaxParallelSources)
	result, err := orchestrator.Rebuild(ctx)
	if err != nil {
		return err
	}

	for _, oc := range result.Sources {
		if oc.Err != nil {
			slog.Warn("Source failed", "source", oc.Source, "preserved", oc.Preserved, "error", oc.Err)
		} else {
			slog.Info("Source pulled", "source", oc.Source, "records", oc.Records, "skipped", oc.Skipped)
		}
	}
	if !result.Committed {
		slog.Info("Rebuild skipped, previous cycle still live")
		return nil
	}
	slog.Info("Rebuild committed", "records", result.Total)
	return nil
}

// RunServe starts the HTTP query server over the live indexes. A
// background loop re-reads the manifest on the configured interval so
// a populate run from another process becomes visible without restart.
func RunServe(ctx context.Context, params RunParams, flags *pflag.FlagSet, version string) error {
	settings, err := setup(params, flags, version)
	if err != nil {
		return err
	}

	indexes, err := params.OpenIndexes(settings.BaseDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := indexes.Close(); err != nil {
			slog.Error("Failed to close indexes", "error", err)
		}
	}()

	engine := query.NewEngine(indexes)
	srv, err := NewServer(engine, indexes, settings)
	if err != nil {
		return err
	}

	reloadCtx, cancelReload := context.WithCancel(ctx)
	defer cancelReload()
	go reloadLoop(reloadCtx, indexes, settings.ReloadInterval)

	slog.Info("Server listening (HTTP)", "addr", srv.Addr, "auth_type", settings.Auth.Type)
	return params.Serve(srv)
}

// RunStatus probes the live indexes and prints the record count.
func RunStatus(params RunParams, flags *pflag.FlagSet, version string) error {
	settings, err := setup(params, flags, version)
	if err != nil {
		return err
	}

	indexes, err := params.OpenIndexes(settings.BaseDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := indexes.Close(); err != nil {
			slog.Error("Failed to close indexes", "error", err)
		}
	}()

	if err := indexes.Status(); err != nil {
		return err
	}
	count, err := indexes.DocCount()
	if err != nil {
		return err
	}
	fmt.Printf("indexes: ok\nrecords: %d\n", count)
	return nil
}

// reloadLoop periodically picks up index generations committed by
// another process.
func reloadLoop(ctx context.Context, indexes *index.Manager, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := indexes.Reload(); err != nil {
				slog.Warn("Index reload failed", "error", err)
			}
		}
	}
}
