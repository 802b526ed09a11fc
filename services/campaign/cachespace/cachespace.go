// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cachespace persists preprocessed search-space artifacts under a
// run directory, keyed by a configuration fingerprint.
//
// Search-space preprocessing (canonicalization, featurization) is expensive
// and deterministic in its settings, so repeated assemblies that share a
// run directory reuse the artifact on disk instead of rebuilding it. A
// stored fingerprint decides validity: if recomputing the fingerprint from
// the current settings yields the stored value, the cache is served
// unchanged; any settings change rebuilds it.
//
// # Concurrency
//
// Concurrent assemblies against one run directory are not coordinated
// here. Descriptor and artifact writes are atomic (temp file + rename),
// so a racing pair cannot corrupt the cache, but the outcome is
// last-write-wins. Callers must not race on the same run directory.
package cachespace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/molsteer/services/campaign/fingerprint"
)

const (
	// SubdirName is the cache directory under the run directory.
	SubdirName = "search-space"

	// DescriptorName is the cache descriptor file.
	DescriptorName = "settings.json"

	// ArtifactName holds the built candidate list, one per line.
	ArtifactName = "space.smi"
)

// checksTotal counts cache checks by outcome, mirroring how the graph
// cache counts staleness reasons.
var checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "search_space_cache_checks_total",
	Help: "Total search-space cache checks by outcome",
}, []string{"outcome"})

const (
	outcomeHit      = "hit"
	outcomeMissing  = "missing"
	outcomeMismatch = "fingerprint_mismatch"
	outcomeCorrupt  = "corrupt"
)

// ErrBuildFailed wraps errors from the caller-supplied build function.
var ErrBuildFailed = errors.New("search-space build failed")

// Descriptor is the on-disk cache descriptor: the fingerprint that
// produced the artifact plus a snapshot of the settings behind it.
type Descriptor struct {
	Fingerprint string          `json:"fingerprint"`
	Settings    json.RawMessage `json:"settings"`
}

// Artifact is a materialized search space.
type Artifact struct {
	// Dir is the cache directory holding the artifact files.
	Dir string

	// Candidates is the preprocessed candidate list.
	Candidates []string
}

// BuildFunc produces the candidate list when the cache cannot serve it.
type BuildFunc func(ctx context.Context) ([]string, error)

// GetOrBuild returns the cached search space for the settings, or builds,
// persists, and returns a fresh one.
//
// The settings object must be JSON-serializable; its fingerprint is the
// cache key. An unreadable or partial descriptor is treated as a cache
// miss and rebuilt, never surfaced as an error. Writes go to a temp file
// first and are renamed into place, so a crash cannot leave a partial
// descriptor pointing at a missing artifact.
func GetOrBuild(ctx context.Context, runDir string, settings any, build BuildFunc, logger *slog.Logger) (*Artifact, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fp, err := fingerprint.Digest(settings)
	if err != nil {
		return nil, fmt.Errorf("fingerprinting search-space settings: %w", err)
	}

	dir := filepath.Join(runDir, SubdirName)
	if cached := tryLoad(dir, fp, logger); cached != nil {
		return cached, nil
	}

	candidates, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	if err := persist(dir, fp, settings, candidates); err != nil {
		return nil, err
	}
	logger.Info("search-space cache rebuilt",
		slog.String("dir", dir),
		slog.String("fingerprint", shorten(fp)),
		slog.Int("candidates", len(candidates)),
	)
	return &Artifact{Dir: dir, Candidates: candidates}, nil
}

// tryLoad returns the cached artifact when the descriptor matches the
// fingerprint, nil otherwise. All failure modes are cache misses.
func tryLoad(dir, fp string, logger *slog.Logger) *Artifact {
	raw, err := os.ReadFile(filepath.Join(dir, DescriptorName))
	if errors.Is(err, os.ErrNotExist) {
		checksTotal.WithLabelValues(outcomeMissing).Inc()
		return nil
	}
	if err != nil {
		checksTotal.WithLabelValues(outcomeCorrupt).Inc()
		logger.Warn("unreadable search-space descriptor, rebuilding",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		return nil
	}

	var desc Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil || desc.Fingerprint == "" {
		checksTotal.WithLabelValues(outcomeCorrupt).Inc()
		logger.Warn("corrupt search-space descriptor, rebuilding",
			slog.String("dir", dir),
		)
		return nil
	}
	if desc.Fingerprint != fp {
		checksTotal.WithLabelValues(outcomeMismatch).Inc()
		logger.Info("search-space settings changed, rebuilding",
			slog.String("dir", dir),
			slog.String("cached", shorten(desc.Fingerprint)),
			slog.String("current", shorten(fp)),
		)
		return nil
	}

	candidates, err := readCandidates(filepath.Join(dir, ArtifactName))
	if err != nil {
		checksTotal.WithLabelValues(outcomeCorrupt).Inc()
		logger.Warn("search-space artifact unreadable, rebuilding",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		return nil
	}

	checksTotal.WithLabelValues(outcomeHit).Inc()
	return &Artifact{Dir: dir, Candidates: candidates}
}

// persist writes the artifact then the descriptor, each atomically.
// Descriptor last: a crash between the writes leaves a stale descriptor
// that the next fingerprint check rejects.
func persist(dir, fp string, settings any, candidates []string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating cache directory %s: %w", dir, err)
	}

	artifact := strings.Join(candidates, "\n")
	if len(candidates) > 0 {
		artifact += "\n"
	}
	if err := writeAtomic(filepath.Join(dir, ArtifactName), []byte(artifact)); err != nil {
		return fmt.Errorf("writing search-space artifact: %w", err)
	}

	snapshot, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("serializing settings snapshot: %w", err)
	}
	desc, err := json.MarshalIndent(Descriptor{Fingerprint: fp, Settings: snapshot}, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing cache descriptor: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, DescriptorName), desc); err != nil {
		return fmt.Errorf("writing cache descriptor: %w", err)
	}
	return nil
}

// writeAtomic writes via a temp sibling and renames into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// shorten truncates a fingerprint for log lines.
func shorten(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func readCandidates(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
