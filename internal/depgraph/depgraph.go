// Package depgraph implements cycle detection, transitive blocker
// computation, and the blocked-work cache of spec.md §4.E. All traversals
// are depth-limited to bound malformed graphs.
package depgraph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hivesync/hive/internal/dbx"
)

// MaxDepth bounds every traversal in this package (spec.md §4.E).
const MaxDepth = 100

// ErrCycle is returned (wrapped with the path) when an operation would
// create a cycle in the blocks subgraph.
type ErrCycle struct {
	Path []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Path)
}

// ErrTooDeep is returned when a traversal exceeds MaxDepth.
var ErrTooDeep = errors.New("dependency graph traversal exceeded depth limit")

// Graph operates on bead_dependencies and blocked_beads_cache within a
// single transaction, so cache rebuilds are atomic with the triggering
// change (spec.md §4.D, §4.E).
type Graph struct{}

// New creates a Graph. It is stateless; all methods take an explicit *sql.Tx.
func New() *Graph { return &Graph{} }

// WouldCreateCycle reports whether adding an edge a --blocks--> b would
// create a cycle, i.e. whether a is reachable from b by following existing
// blocks edges (spec.md §4.E).
func (g *Graph) WouldCreateCycle(ctx context.Context, tx *sql.Tx, a, b string) (bool, []string, error) {
	visited := map[string]bool{b: true}
	path := []string{b}
	return g.bfsReaches(ctx, tx, b, a, visited, path, 0)
}

func (g *Graph) bfsReaches(ctx context.Context, tx *sql.Tx, from, target string, visited map[string]bool, path []string, depth int) (bool, []string, error) {
	if depth > MaxDepth {
		return false, nil, ErrTooDeep
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT depends_on_id FROM bead_dependencies WHERE bead_id = ? AND relationship = 'blocks'`, from)
	if err != nil {
		return false, nil, dbx.Wrap("query blocks edges", err)
	}
	defer rows.Close()

	var next []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return false, nil, dbx.Wrap("scan blocks edge", err)
		}
		next = append(next, id)
	}
	if err := rows.Err(); err != nil {
		return false, nil, dbx.Wrap("iterate blocks edges", err)
	}

	for _, id := range next {
		if id == target {
			return true, append(path, id), nil
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		found, p, err := g.bfsReaches(ctx, tx, id, target, visited, append(path, id), depth+1)
		if err != nil {
			return false, nil, err
		}
		if found {
			return true, p, nil
		}
	}
	return false, nil, nil
}

// GetOpenBlockers returns the transitive closure of ids that block id via
// blocks edges, filtered to non-closed, non-deleted beads (spec.md §4.E).
func (g *Graph) GetOpenBlockers(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	visited := map[string]bool{id: true}
	var result []string
	if err := g.collectOpenBlockers(ctx, tx, id, visited, &result, 0); err != nil {
		return nil, err
	}
	return result, nil
}

func (g *Graph) collectOpenBlockers(ctx context.Context, tx *sql.Tx, id string, visited map[string]bool, result *[]string, depth int) error {
	if depth > MaxDepth {
		return ErrTooDeep
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT d.depends_on_id, b.status, b.deleted_at
		FROM bead_dependencies d
		JOIN beads b ON b.id = d.depends_on_id
		WHERE d.bead_id = ? AND d.relationship = 'blocks'`, id)
	if err != nil {
		return dbx.Wrap("query open blockers", err)
	}
	defer rows.Close()

	type row struct {
		id        string
		status    string
		deletedAt sql.NullInt64
	}
	var rs []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.status, &r.deletedAt); err != nil {
			return dbx.Wrap("scan open blocker", err)
		}
		rs = append(rs, r)
	}
	if err := rows.Err(); err != nil {
		return dbx.Wrap("iterate open blockers", err)
	}

	for _, r := range rs {
		if visited[r.id] {
			continue
		}
		visited[r.id] = true
		if r.status != "closed" && !r.deletedAt.Valid {
			*result = append(*result, r.id)
		}
		if err := g.collectOpenBlockers(ctx, tx, r.id, visited, result, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// RebuildBlockedCache recomputes the cache row for id, upserting it when
// there are open blockers and deleting it otherwise (absence == unblocked,
// per spec.md §3.3).
func (g *Graph) RebuildBlockedCache(ctx context.Context, tx *sql.Tx, id string) error {
	blockers, err := g.GetOpenBlockers(ctx, tx, id)
	if err != nil {
		return err
	}
	if len(blockers) == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM blocked_beads_cache WHERE bead_id = ?`, id)
		return dbx.Wrap("delete blocked cache row", err)
	}
	data, err := json.Marshal(blockers)
	if err != nil {
		return fmt.Errorf("marshal blocker ids: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO blocked_beads_cache (bead_id, blocker_ids, updated_at)
		VALUES (?, ?, unixepoch('now')*1000)
		ON CONFLICT(bead_id) DO UPDATE SET blocker_ids = excluded.blocker_ids, updated_at = excluded.updated_at`,
		id, string(data))
	return dbx.Wrap("upsert blocked cache row", err)
}

// InvalidateBlockedCache rebuilds the cache for id and every bead that
// directly or transitively depends on id (spec.md §4.E).
func (g *Graph) InvalidateBlockedCache(ctx context.Context, tx *sql.Tx, id string) error {
	if err := g.RebuildBlockedCache(ctx, tx, id); err != nil {
		return err
	}
	dependents, err := g.getDependentsTx(ctx, tx, id, map[string]bool{id: true}, 0)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if err := g.RebuildBlockedCache(ctx, tx, dep); err != nil {
			return err
		}
	}
	return nil
}

// getDependentsTx returns every bead (transitively) that has a blocks edge
// targeting id, i.e. every bead that id (transitively) blocks.
func (g *Graph) getDependentsTx(ctx context.Context, tx *sql.Tx, id string, visited map[string]bool, depth int) ([]string, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT bead_id FROM bead_dependencies WHERE depends_on_id = ? AND relationship = 'blocks'`, id)
	if err != nil {
		return nil, dbx.Wrap("query dependents", err)
	}
	defer rows.Close()

	var direct []string
	for rows.Next() {
		var bid string
		if err := rows.Scan(&bid); err != nil {
			return nil, dbx.Wrap("scan dependent", err)
		}
		direct = append(direct, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, dbx.Wrap("iterate dependents", err)
	}

	var all []string
	for _, bid := range direct {
		if visited[bid] {
			continue
		}
		visited[bid] = true
		all = append(all, bid)
		transitive, err := g.getDependentsTx(ctx, tx, bid, visited, depth+1)
		if err != nil {
			return nil, err
		}
		all = append(all, transitive...)
	}
	return all, nil
}
