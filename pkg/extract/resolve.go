// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kraklabs/qbuilder/pkg/index"
)

// refTypeToSymbolType maps a ref_type to the symbol_type it resolves
// against.
var refTypeToSymbolType = map[string]string{
	"trait_ref":           "trait",
	"event_ref":           "event",
	"decision_ref":        "decision",
	"title_ref":           "landed_title",
	"scripted_effect_ref": "scripted_effect",
	"on_action_ref":       "on_action",
}

// IsDynamicName reports whether a reference target is computed at game
// runtime (scope interpolation, variables, bracket expressions) and can
// never resolve statically.
func IsDynamicName(name string) bool {
	return strings.Contains(name, "scope:") ||
		strings.Contains(name, "$") ||
		strings.Contains(name, "[")
}

// ResolveStats summarizes a resolution pass.
type ResolveStats struct {
	Resolved   int
	Unresolved int
	Dynamic    int
	Skipped    int
}

// ResolveRefs runs the optional post-pass over every ref still in state
// unknown: dynamic names are classified as such, and the rest are looked
// up among symbols of the expected type visible under the playset's load
// order — the defining candidate with the highest load order wins. When
// more than one symbol defines the name, the full candidate list is
// recorded for downstream conflict logic.
func ResolveRefs(ctx context.Context, store *index.Store) (*ResolveStats, error) {
	rows, err := store.DB().QueryContext(ctx,
		`SELECT ref_id, ref_type, name FROM refs WHERE resolution_status = 'unknown'`)
	if err != nil {
		return nil, fmt.Errorf("resolve refs select: %w", err)
	}
	type pending struct {
		id      int64
		refType string
		name    string
	}
	var work []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.refType, &p.name); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("resolve refs scan: %w", err)
		}
		work = append(work, p)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolve refs rows: %w", err)
	}

	stats := &ResolveStats{}
	for _, p := range work {
		if IsDynamicName(p.name) {
			if err := store.ResolveRef(ctx, p.id, index.RefDynamic, 0, ""); err != nil {
				return nil, err
			}
			stats.Dynamic++
			continue
		}

		symbolType, ok := refTypeToSymbolType[p.refType]
		if !ok {
			stats.Skipped++
			continue
		}

		candidates, winner, err := lookupCandidates(ctx, store, symbolType, p.name)
		if err != nil {
			return nil, err
		}
		if winner == 0 {
			if err := store.ResolveRef(ctx, p.id, index.RefUnresolved, 0, ""); err != nil {
				return nil, err
			}
			stats.Unresolved++
			continue
		}

		var candJSON string
		if len(candidates) > 1 {
			data, err := json.Marshal(candidates)
			if err != nil {
				return nil, fmt.Errorf("resolve candidates: %w", err)
			}
			candJSON = string(data)
		}
		if err := store.ResolveRef(ctx, p.id, index.RefResolved, winner, candJSON); err != nil {
			return nil, err
		}
		stats.Resolved++
	}
	return stats, nil
}

// lookupCandidates returns all symbol IDs defining (symbolType, name)
// under enabled content versions, ordered by load order, and the winner
// (highest load order — the last-winning mod).
func lookupCandidates(ctx context.Context, store *index.Store, symbolType, name string) ([]int64, int64, error) {
	rows, err := store.DB().QueryContext(ctx,
		`SELECT s.symbol_id
		 FROM symbols s
		 JOIN files f ON f.file_id = s.file_id
		 JOIN content_versions cv ON cv.content_version_id = f.content_version_id
		 WHERE s.symbol_type = ? AND s.name = ? AND cv.enabled = 1
		 ORDER BY cv.load_order ASC, s.symbol_id ASC`,
		symbolType, name)
	if err != nil {
		return nil, 0, fmt.Errorf("lookup candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, 0, fmt.Errorf("lookup candidates scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return nil, 0, nil
	}
	return ids, ids[len(ids)-1], nil
}
