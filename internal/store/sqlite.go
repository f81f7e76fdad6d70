package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/contextd/contextd/internal/apperr"
	"github.com/contextd/contextd/internal/memory"
)

// SQLiteStore implements RecordStore backed by SQLite in WAL mode.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// Verify interface implementation at compile time
var _ RecordStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the record store at path.
// An empty path creates an in-memory store for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer prevents lock contention under the WAL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS contexts (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		project_id         TEXT NOT NULL DEFAULT '',
		title              TEXT NOT NULL,
		content            TEXT NOT NULL,
		type               TEXT NOT NULL,
		source_kind        TEXT NOT NULL DEFAULT '',
		source_agent       TEXT NOT NULL DEFAULT '',
		source_captured_at TEXT NOT NULL DEFAULT '',
		tags               TEXT NOT NULL DEFAULT '[]',
		metadata           TEXT NOT NULL DEFAULT '{}',
		chunk_count        INTEGER NOT NULL DEFAULT 0,
		has_nodes          INTEGER NOT NULL DEFAULT 0,
		tombstoned         INTEGER NOT NULL DEFAULT 0,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contexts_scope
		ON contexts(user_id, project_id, updated_at DESC, id);
	CREATE INDEX IF NOT EXISTS idx_contexts_type
		ON contexts(user_id, project_id, type);

	CREATE TABLE IF NOT EXISTS nodes (
		id                      TEXT PRIMARY KEY,
		context_id              TEXT NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
		user_id                 TEXT NOT NULL,
		project_id              TEXT NOT NULL DEFAULT '',
		parent_node_id          TEXT NOT NULL DEFAULT '',
		child_node_ids          TEXT NOT NULL DEFAULT '[]',
		content                 TEXT NOT NULL,
		token_count             INTEGER NOT NULL,
		chunk_type              TEXT NOT NULL,
		chunk_index             INTEGER NOT NULL,
		importance              REAL NOT NULL DEFAULT 0.5,
		title                   TEXT NOT NULL DEFAULT '',
		summary                 TEXT NOT NULL DEFAULT '',
		keywords                TEXT NOT NULL DEFAULT '[]',
		embedding               BLOB,
		embedding_model_version TEXT NOT NULL DEFAULT '',
		needs_reenrichment      INTEGER NOT NULL DEFAULT 0,
		created_at              TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_context_chunk
		ON nodes(context_id, chunk_index);
	CREATE INDEX IF NOT EXISTS idx_nodes_scope
		ON nodes(user_id, project_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_model
		ON nodes(embedding_model_version);
	CREATE INDEX IF NOT EXISTS idx_nodes_reenrich
		ON nodes(needs_reenrichment) WHERE needs_reenrichment = 1;

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveContext inserts a new context.
func (s *SQLiteStore) SaveContext(ctx context.Context, c *memory.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	meta, err := json.Marshal(orEmptyMap(c.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contexts (
			id, user_id, project_id, title, content, type,
			source_kind, source_agent, source_captured_at,
			tags, metadata, chunk_count, has_nodes, tombstoned,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.ProjectID, c.Title, c.Content, string(c.Type),
		c.Source.Kind, c.Source.Agent, formatTime(c.Source.CapturedAt),
		string(tags), string(meta), c.ChunkCount, boolInt(c.HasNodes), boolInt(c.Tombstoned),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert context: %w", err)
	}
	return nil
}

// GetContext fetches a context by id within the scope. Tombstoned contexts
// and contexts belonging to another scope surface as not found.
func (s *SQLiteStore) GetContext(ctx context.Context, scope memory.Scope, id string) (*memory.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, contextSelect+`
		WHERE id = ? AND user_id = ? AND project_id = ? AND tombstoned = 0`,
		id, scope.UserID, scope.ProjectID)

	c, err := scanContext(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("context", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	return c, nil
}

// GetContextByID fetches a context without a scope check. Internal
// pipelines use it to recover ownership for stored nodes; request handlers
// must use GetContext.
func (s *SQLiteStore) GetContextByID(ctx context.Context, id string) (*memory.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, contextSelect+` WHERE id = ?`, id)
	c, err := scanContext(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("context", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	return c, nil
}

// ListContexts returns one page of the scope's contexts, newest first.
// The cursor is opaque and encodes the (updated_at, id) position.
func (s *SQLiteStore) ListContexts(ctx context.Context, scope memory.Scope, filter ContextFilter, cursor string, limit int) (*ContextPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if limit <= 0 {
		limit = 50
	}

	query := contextSelect + `
		WHERE user_id = ? AND project_id = ? AND tombstoned = 0`
	args := []any{scope.UserID, scope.ProjectID}

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}

	if cursor != "" {
		at, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, apperr.InvalidInput("invalid cursor").WithDetail("cursor", cursor)
		}
		query += ` AND (updated_at < ? OR (updated_at = ? AND id < ?))`
		args = append(args, at, at, id)
	}

	// Overfetch by one to detect the next page; tag filtering happens in
	// process, so fetch a wider slab when tags are requested.
	fetch := limit + 1
	if len(filter.Tags) > 0 {
		fetch = limit*4 + 1
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, fetch)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	var page ContextPage
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		if !hasAllTags(c.Tags, filter.Tags) {
			continue
		}
		if len(page.Contexts) == limit {
			last := page.Contexts[limit-1]
			page.NextCursor = encodeCursor(last.UpdatedAt, last.ID)
			return &page, nil
		}
		page.Contexts = append(page.Contexts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	return &page, nil
}

// UpdateContext rewrites a context's mutable fields.
func (s *SQLiteStore) UpdateContext(ctx context.Context, c *memory.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	meta, err := json.Marshal(orEmptyMap(c.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE contexts SET
			title = ?, content = ?, type = ?, tags = ?, metadata = ?,
			chunk_count = ?, has_nodes = ?, tombstoned = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND project_id = ?`,
		c.Title, c.Content, string(c.Type), string(tags), string(meta),
		c.ChunkCount, boolInt(c.HasNodes), boolInt(c.Tombstoned), formatTime(c.UpdatedAt),
		c.ID, c.UserID, c.ProjectID)
	if err != nil {
		return fmt.Errorf("update context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("context", c.ID)
	}
	return nil
}

// TombstoneContext marks a context deleted so reads and search exclude it
// while index cleanup is still in flight.
func (s *SQLiteStore) TombstoneContext(ctx context.Context, scope memory.Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE contexts SET tombstoned = 1, updated_at = ?
		WHERE id = ? AND user_id = ? AND project_id = ? AND tombstoned = 0`,
		formatTime(time.Now().UTC()), id, scope.UserID, scope.ProjectID)
	if err != nil {
		return fmt.Errorf("tombstone context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("context", id)
	}
	return nil
}

// DeleteContext removes a context and all its nodes.
func (s *SQLiteStore) DeleteContext(ctx context.Context, scope memory.Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM contexts WHERE id = ? AND user_id = ? AND project_id = ?`,
		id, scope.UserID, scope.ProjectID)
	if err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("context", id)
	}
	return nil
}

// UpsertNodes atomically replaces a context's node set. Either every node
// is written or none are.
func (s *SQLiteStore) UpsertNodes(ctx context.Context, contextID string, nodes []*memory.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE context_id = ?`, contextID); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (
			id, context_id, user_id, project_id, parent_node_id, child_node_ids,
			content, token_count, chunk_type, chunk_index, importance,
			title, summary, keywords, embedding, embedding_model_version,
			needs_reenrichment, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	// Ownership columns are denormalized from the parent context so scope
	// listings never need a join.
	var userID, projectID string
	err = tx.QueryRowContext(ctx, `SELECT user_id, project_id FROM contexts WHERE id = ?`, contextID).
		Scan(&userID, &projectID)
	if err == sql.ErrNoRows {
		return apperr.NotFound("context", contextID)
	}
	if err != nil {
		return fmt.Errorf("lookup context owner: %w", err)
	}

	for _, n := range nodes {
		children, err := json.Marshal(n.ChildNodeIDs)
		if err != nil {
			return fmt.Errorf("marshal child ids: %w", err)
		}
		keywords, err := json.Marshal(n.Keywords)
		if err != nil {
			return fmt.Errorf("marshal keywords: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			n.ID, contextID, userID, projectID, n.ParentNodeID, string(children),
			n.Content, n.TokenCount, string(n.ChunkType), n.ChunkIndex, n.Importance,
			n.Title, n.Summary, string(keywords), encodeEmbedding(n.Embedding),
			n.EmbeddingModelVersion, boolInt(n.NeedsReenrichment), formatTime(n.CreatedAt)); err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE contexts SET chunk_count = ?, has_nodes = ? WHERE id = ?`,
		len(nodes), boolInt(len(nodes) > 0), contextID); err != nil {
		return fmt.Errorf("update chunk count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetNode fetches a single node by id.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*memory.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, nodeSelect+` WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("node", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// GetNodes fetches nodes by id, skipping ids that no longer exist.
func (s *SQLiteStore) GetNodes(ctx context.Context, ids []string) ([]*memory.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		nodeSelect+` WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*memory.Node, len(ids))
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		byID[n.ID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}

	// Preserve request order.
	out := make([]*memory.Node, 0, len(byID))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// GetNodesByContext returns a context's nodes ordered by chunk index.
func (s *SQLiteStore) GetNodesByContext(ctx context.Context, contextID string) ([]*memory.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx,
		nodeSelect+` WHERE context_id = ? ORDER BY chunk_index`, contextID)
	if err != nil {
		return nil, fmt.Errorf("get nodes by context: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// ListNodesByScope returns every live node in the scope. Used by graph
// builds, so tombstoned contexts are excluded.
func (s *SQLiteStore) ListNodesByScope(ctx context.Context, scope memory.Scope) ([]*memory.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, nodeSelect+`
		WHERE user_id = ? AND project_id = ?
		  AND context_id NOT IN (SELECT id FROM contexts WHERE tombstoned = 1)
		ORDER BY context_id, chunk_index`,
		scope.UserID, scope.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list nodes by scope: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// ListNodesNeedingReenrichment returns up to limit nodes flagged for
// re-enrichment, oldest first.
func (s *SQLiteStore) ListNodesNeedingReenrichment(ctx context.Context, limit int) ([]*memory.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, nodeSelect+`
		WHERE needs_reenrichment = 1 ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reenrichment nodes: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// MarkNodesForReenrichment flags nodes whose enrichment must be redone.
func (s *SQLiteStore) MarkNodesForReenrichment(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	placeholders := strings.Repeat("?,", len(nodeIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET needs_reenrichment = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark reenrichment: %w", err)
	}
	return nil
}

// ApplyEnrichment writes AI-derived fields back onto a node.
func (s *SQLiteStore) ApplyEnrichment(ctx context.Context, update *EnrichmentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	keywords, err := json.Marshal(update.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET
			title = ?, summary = ?, keywords = ?, importance = ?,
			embedding = ?, embedding_model_version = ?, needs_reenrichment = ?
		WHERE id = ?`,
		update.Title, update.Summary, string(keywords), update.Importance,
		encodeEmbedding(update.Embedding), update.EmbeddingModelVersion,
		boolInt(update.NeedsReenrichment), update.NodeID)
	if err != nil {
		return fmt.Errorf("apply enrichment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("node", update.NodeID)
	}
	return nil
}

// Stats summarizes the scope's stored contexts and nodes.
func (s *SQLiteStore) Stats(ctx context.Context, scope memory.Scope) (*ScopeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	stats := &ScopeStats{}

	var lastIngested sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(created_at) FROM contexts
		WHERE user_id = ? AND project_id = ? AND tombstoned = 0`,
		scope.UserID, scope.ProjectID).Scan(&stats.ContextCount, &lastIngested)
	if err != nil {
		return nil, fmt.Errorf("context stats: %w", err)
	}
	if lastIngested.Valid {
		stats.LastIngestedAt, _ = time.Parse(time.RFC3339Nano, lastIngested.String)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN embedding_model_version != '' AND embedding_model_version NOT LIKE ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN embedding_model_version LIKE ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN needs_reenrichment = 1 THEN 1 ELSE 0 END)
		FROM nodes WHERE user_id = ? AND project_id = ?`,
		memory.FallbackModelPrefix+"%", memory.FallbackModelPrefix+"%",
		scope.UserID, scope.ProjectID).
		Scan(&stats.NodeCount,
			nullInt(&stats.EnrichedNodes), nullInt(&stats.FallbackNodes), nullInt(&stats.PendingNodes))
	if err != nil {
		return nil, fmt.Errorf("node stats: %w", err)
	}
	return stats, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

const contextSelect = `
	SELECT id, user_id, project_id, title, content, type,
	       source_kind, source_agent, source_captured_at,
	       tags, metadata, chunk_count, has_nodes, tombstoned,
	       created_at, updated_at
	FROM contexts`

const nodeSelect = `
	SELECT id, context_id, parent_node_id, child_node_ids,
	       content, token_count, chunk_type, chunk_index, importance,
	       title, summary, keywords, embedding, embedding_model_version,
	       needs_reenrichment, created_at
	FROM nodes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContext(row rowScanner) (*memory.Context, error) {
	var c memory.Context
	var typ, capturedAt, tags, meta, createdAt, updatedAt string
	var hasNodes, tombstoned int

	err := row.Scan(&c.ID, &c.UserID, &c.ProjectID, &c.Title, &c.Content, &typ,
		&c.Source.Kind, &c.Source.Agent, &capturedAt,
		&tags, &meta, &c.ChunkCount, &hasNodes, &tombstoned,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	c.Type = memory.ContextType(typ)
	c.HasNodes = hasNodes != 0
	c.Tombstoned = tombstoned != 0
	c.Source.CapturedAt = parseTime(capturedAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &c, nil
}

func scanNode(row rowScanner) (*memory.Node, error) {
	var n memory.Node
	var chunkType, children, keywords, createdAt string
	var embedding []byte
	var needsReenrich int

	err := row.Scan(&n.ID, &n.ContextID, &n.ParentNodeID, &children,
		&n.Content, &n.TokenCount, &chunkType, &n.ChunkIndex, &n.Importance,
		&n.Title, &n.Summary, &keywords, &embedding, &n.EmbeddingModelVersion,
		&needsReenrich, &createdAt)
	if err != nil {
		return nil, err
	}

	n.ChunkType = memory.ChunkType(chunkType)
	n.NeedsReenrichment = needsReenrich != 0
	n.CreatedAt = parseTime(createdAt)
	n.Embedding = decodeEmbedding(embedding)
	if err := json.Unmarshal([]byte(children), &n.ChildNodeIDs); err != nil {
		return nil, fmt.Errorf("unmarshal child ids: %w", err)
	}
	if err := json.Unmarshal([]byte(keywords), &n.Keywords); err != nil {
		return nil, fmt.Errorf("unmarshal keywords: %w", err)
	}
	return &n, nil
}

func collectNodes(rows *sql.Rows) ([]*memory.Node, error) {
	var nodes []*memory.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return nodes, nil
}

// encodeEmbedding serializes a float32 vector as little-endian bytes.
func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func encodeCursor(updatedAt time.Time, id string) string {
	raw := formatTime(updatedAt) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (updatedAt, id string, err error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// nullInt adapts an int target so NULL aggregate results scan as zero.
func nullInt(target *int) *nullIntScanner {
	return &nullIntScanner{target: target}
}

type nullIntScanner struct {
	target *int
}

func (n *nullIntScanner) Scan(src any) error {
	if src == nil {
		*n.target = 0
		return nil
	}
	switch v := src.(type) {
	case int64:
		*n.target = int(v)
	case int:
		*n.target = v
	case float64:
		*n.target = int(v)
	default:
		return fmt.Errorf("cannot scan %T into int", src)
	}
	return nil
}
