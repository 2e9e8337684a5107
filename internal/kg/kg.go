// Package kg implements the Knowledge Graph Client (C5, spec §3.5/§4.5):
// UK compliance frameworks, regulations, obligations, controls, penalties,
// and themes, with hybrid lexical+vector search and bounded-depth
// cross-reference traversal. It is grounded on graph/store/sqlite.go's
// SQLiteStore: same modernc.org/sqlite driver, same WAL-mode connection
// setup, same create-tables-if-not-exists idiom, and the same JSON-blob
// serialization strategy for structured fields (here: embedding vectors)
// that don't map cleanly onto SQL columns.
package kg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/ruleiq/orchestrator/internal/errs"
)

// Framework is a top-level compliance regime (e.g. UK GDPR, PCI DSS).
type Framework struct {
	ID   string
	Name string
}

// Regulation belongs to a Framework.
type Regulation struct {
	ID          string
	FrameworkID string
	Title       string
}

// Obligation is a concrete duty derived from a Regulation.
type Obligation struct {
	ID           string
	RegulationID string
	Text         string
	Embedding    []float64
}

// Control is a measure that satisfies one or more Obligations.
type Control struct {
	ID          string
	Obligations []string
	Description string
}

// Penalty describes the consequence of failing an Obligation.
type Penalty struct {
	ID            string
	ObligationID  string
	Description   string
	MaxFineAmount float64
}

// Theme groups Obligations by subject matter (e.g. "data retention").
type Theme struct {
	ID           string
	Name         string
	ObligationIDs []string
}

// CrossReference is a directed edge between two obligations (e.g. "this
// obligation supersedes that one", "this obligation depends on that one").
type CrossReference struct {
	FromObligationID string
	ToObligationID   string
	Relation         string
}

// Graph is the SQLite-backed knowledge graph client.
type Graph struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (creating if necessary) a SQLite-backed Graph at path. Use
// ":memory:" for ephemeral/test graphs.
func Open(path string) (*Graph, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge graph db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	g := &Graph{db: db}
	if err := g.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return g, nil
}

func (g *Graph) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS frameworks (id TEXT PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS regulations (id TEXT PRIMARY KEY, framework_id TEXT NOT NULL, title TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS obligations (id TEXT PRIMARY KEY, regulation_id TEXT NOT NULL, text TEXT NOT NULL, embedding TEXT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_obligations_regulation ON obligations(regulation_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS obligations_fts USING fts5(id UNINDEXED, text)`,
		`CREATE TABLE IF NOT EXISTS controls (id TEXT PRIMARY KEY, description TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS control_obligations (control_id TEXT NOT NULL, obligation_id TEXT NOT NULL, PRIMARY KEY(control_id, obligation_id))`,
		`CREATE INDEX IF NOT EXISTS idx_control_obligations_obligation ON control_obligations(obligation_id)`,
		`CREATE TABLE IF NOT EXISTS penalties (id TEXT PRIMARY KEY, obligation_id TEXT NOT NULL, description TEXT NOT NULL, max_fine_amount REAL NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS themes (id TEXT PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS theme_obligations (theme_id TEXT NOT NULL, obligation_id TEXT NOT NULL, PRIMARY KEY(theme_id, obligation_id))`,
		`CREATE TABLE IF NOT EXISTS cross_references (from_obligation_id TEXT NOT NULL, to_obligation_id TEXT NOT NULL, relation TEXT NOT NULL, PRIMARY KEY(from_obligation_id, to_obligation_id, relation))`,
		`CREATE INDEX IF NOT EXISTS idx_xref_from ON cross_references(from_obligation_id)`,
	}
	for _, stmt := range stmts {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (g *Graph) Close() error { return g.db.Close() }

// PutFramework inserts or replaces a Framework.
func (g *Graph) PutFramework(ctx context.Context, f Framework) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO frameworks (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name=excluded.name`,
		f.ID, f.Name)
	return err
}

// PutRegulation inserts or replaces a Regulation.
func (g *Graph) PutRegulation(ctx context.Context, r Regulation) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO regulations (id, framework_id, title) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET framework_id=excluded.framework_id, title=excluded.title`,
		r.ID, r.FrameworkID, r.Title)
	return err
}

// PutObligation inserts or replaces an Obligation and keeps its FTS entry
// in sync.
func (g *Graph) PutObligation(ctx context.Context, o Obligation) error {
	embJSON, err := json.Marshal(o.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO obligations (id, regulation_id, text, embedding) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET regulation_id=excluded.regulation_id, text=excluded.text, embedding=excluded.embedding`,
		o.ID, o.RegulationID, o.Text, string(embJSON)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM obligations_fts WHERE id = ?`, o.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO obligations_fts (id, text) VALUES (?, ?)`, o.ID, o.Text); err != nil {
		return err
	}
	return tx.Commit()
}

// PutControl inserts or replaces a Control and its obligation links.
func (g *Graph) PutControl(ctx context.Context, c Control) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO controls (id, description) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET description=excluded.description`,
		c.ID, c.Description); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM control_obligations WHERE control_id = ?`, c.ID); err != nil {
		return err
	}
	for _, obID := range c.Obligations {
		if _, err := tx.ExecContext(ctx, `INSERT INTO control_obligations (control_id, obligation_id) VALUES (?, ?)`, c.ID, obID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PutCrossReference inserts a cross-reference edge between two obligations.
func (g *Graph) PutCrossReference(ctx context.Context, xr CrossReference) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cross_references (from_obligation_id, to_obligation_id, relation) VALUES (?, ?, ?)`,
		xr.FromObligationID, xr.ToObligationID, xr.Relation)
	return err
}

// ObligationsByFramework returns every Obligation under any Regulation of
// the given Framework.
func (g *Graph) ObligationsByFramework(ctx context.Context, frameworkID string) ([]Obligation, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT o.id, o.regulation_id, o.text, o.embedding
		FROM obligations o
		JOIN regulations r ON r.id = o.regulation_id
		WHERE r.framework_id = ?
		ORDER BY o.id
	`, frameworkID)
	if err != nil {
		return nil, fmt.Errorf("query obligations by framework: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanObligations(rows)
}

func scanObligations(rows *sql.Rows) ([]Obligation, error) {
	var out []Obligation
	for rows.Next() {
		var o Obligation
		var embJSON string
		if err := rows.Scan(&o.ID, &o.RegulationID, &o.Text, &embJSON); err != nil {
			return nil, fmt.Errorf("scan obligation: %w", err)
		}
		if err := json.Unmarshal([]byte(embJSON), &o.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ControlsForObligation returns every Control that satisfies obligationID.
func (g *Graph) ControlsForObligation(ctx context.Context, obligationID string) ([]Control, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT c.id, c.description
		FROM controls c
		JOIN control_obligations co ON co.control_id = c.id
		WHERE co.obligation_id = ?
		ORDER BY c.id
	`, obligationID)
	if err != nil {
		return nil, fmt.Errorf("query controls for obligation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Control
	for rows.Next() {
		var c Control
		if err := rows.Scan(&c.ID, &c.Description); err != nil {
			return nil, fmt.Errorf("scan control: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CrossReferenced returns the transitive closure of cross-references from
// obligationID up to maxDepth hops (spec §4.5 bounds this at 2), as a
// breadth-first traversal that never revisits a node.
func (g *Graph) CrossReferenced(ctx context.Context, obligationID string, maxDepth int) ([]CrossReference, error) {
	if maxDepth < 0 {
		return nil, errs.New(errs.InvalidInput, "maxDepth must be >= 0")
	}
	visited := map[string]bool{obligationID: true}
	frontier := []string{obligationID}
	var out []CrossReference

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			rows, err := g.db.QueryContext(ctx, `
				SELECT from_obligation_id, to_obligation_id, relation
				FROM cross_references WHERE from_obligation_id = ?
			`, id)
			if err != nil {
				return nil, fmt.Errorf("query cross references: %w", err)
			}
			for rows.Next() {
				var xr CrossReference
				if err := rows.Scan(&xr.FromObligationID, &xr.ToObligationID, &xr.Relation); err != nil {
					_ = rows.Close()
					return nil, fmt.Errorf("scan cross reference: %w", err)
				}
				out = append(out, xr)
				if !visited[xr.ToObligationID] {
					visited[xr.ToObligationID] = true
					next = append(next, xr.ToObligationID)
				}
			}
			if err := rows.Err(); err != nil {
				_ = rows.Close()
				return nil, err
			}
			_ = rows.Close()
		}
		frontier = next
	}
	return out, nil
}

// SearchHit is one result of a hybrid search, with the RRF-fused score.
type SearchHit struct {
	Obligation Obligation
	Score      float64
}

// SearchObligations runs a hybrid lexical+vector search: FTS5 full-text
// match on Obligation.Text merged with a brute-force cosine-similarity
// scan over Obligation.Embedding, combined via reciprocal rank fusion
// (spec §4.5). queryEmbedding may be nil to skip the vector leg.
func (g *Graph) SearchObligations(ctx context.Context, query string, queryEmbedding []float64, limit int) ([]SearchHit, error) {
	lexicalIDs, err := g.lexicalSearch(ctx, query, limit*4)
	if err != nil {
		return nil, err
	}

	var vectorIDs []string
	if len(queryEmbedding) > 0 {
		vectorIDs, err = g.vectorSearch(ctx, queryEmbedding, limit*4)
		if err != nil {
			return nil, err
		}
	}

	fused := reciprocalRankFusion(lexicalIDs, vectorIDs)
	if len(fused) > limit {
		fused = fused[:limit]
	}

	hits := make([]SearchHit, 0, len(fused))
	for _, f := range fused {
		o, err := g.getObligation(ctx, f.id)
		if err != nil {
			continue
		}
		hits = append(hits, SearchHit{Obligation: o, Score: f.score})
	}
	return hits, nil
}

func (g *Graph) getObligation(ctx context.Context, id string) (Obligation, error) {
	row := g.db.QueryRowContext(ctx, `SELECT id, regulation_id, text, embedding FROM obligations WHERE id = ?`, id)
	var o Obligation
	var embJSON string
	if err := row.Scan(&o.ID, &o.RegulationID, &o.Text, &embJSON); err != nil {
		return Obligation{}, err
	}
	_ = json.Unmarshal([]byte(embJSON), &o.Embedding)
	return o, nil
}

func (g *Graph) lexicalSearch(ctx context.Context, query string, limit int) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	rows, err := g.db.QueryContext(ctx,
		`SELECT id FROM obligations_fts WHERE obligations_fts MATCH ? ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (g *Graph) vectorSearch(ctx context.Context, queryEmbedding []float64, limit int) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT id, embedding FROM obligations`)
	if err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type scored struct {
		id    string
		score float64
	}
	var all []scored
	for rows.Next() {
		var id, embJSON string
		if err := rows.Scan(&id, &embJSON); err != nil {
			return nil, err
		}
		var emb []float64
		if err := json.Unmarshal([]byte(embJSON), &emb); err != nil {
			continue
		}
		all = append(all, scored{id: id, score: cosineSimilarity(queryEmbedding, emb)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > limit {
		all = all[:limit]
	}
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.id
	}
	return ids, nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

type fusedResult struct {
	id    string
	score float64
}

// reciprocalRankFusion merges two ranked ID lists using RRF with the
// conventional k=60 smoothing constant.
func reciprocalRankFusion(lists ...[]string) []fusedResult {
	const k = 60.0
	scores := make(map[string]float64)
	order := make([]string, 0)
	for _, list := range lists {
		for rank, id := range list {
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += 1.0 / (k + float64(rank+1))
		}
	}
	out := make([]fusedResult, len(order))
	for i, id := range order {
		out[i] = fusedResult{id: id, score: scores[id]}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}
