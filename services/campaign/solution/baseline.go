// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package solution

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/AleutianAI/molsteer/services/campaign/store"
)

// BaselineScorer is a deterministic stand-in surrogate for dry runs and
// topology smoke tests. The "model" is the mean of every recorded
// property value; a candidate's score is that mean perturbed by a
// stable hash of its identifier, so selection is reproducible but not
// degenerate. It carries no predictive power.
type BaselineScorer struct{}

type baselineModel struct {
	Mean    float64 `json:"mean"`
	Samples int     `json:"samples"`
}

// Train fits the baseline model to the current records.
func (BaselineScorer) Train(ctx context.Context, records []*store.Record) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sum float64
	var n int
	for _, r := range records {
		for _, levels := range r.Properties {
			for _, v := range levels {
				sum += v
				n++
			}
		}
	}
	m := baselineModel{Samples: n}
	if n > 0 {
		m.Mean = sum / float64(n)
	}
	return json.Marshal(m)
}

// Score returns one score per candidate, higher meaning more promising.
func (BaselineScorer) Score(ctx context.Context, model []byte, candidates []string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var m baselineModel
	if err := json.Unmarshal(model, &m); err != nil {
		return nil, fmt.Errorf("decoding baseline model: %w", err)
	}
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		h := fnv.New64a()
		h.Write([]byte(c))
		scores[i] = m.Mean + float64(h.Sum64()%1000)/1000.0
	}
	return scores, nil
}

var _ Scorer = BaselineScorer{}
