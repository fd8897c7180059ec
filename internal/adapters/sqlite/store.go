// Package sqlite provides an embedded single-user RemoteStore on SQLite.
//
// Change events are pushed to subscribers in the same process only.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.trai.ch/tally/internal/adapters/hub"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/zerr"
)

// Store implements ports.RemoteStore on a SQLite database.
type Store struct {
	db  *sql.DB
	hub *hub.Hub
	now func() time.Time
}

var _ ports.RemoteStore = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, zerr.With(domain.Fail(domain.ErrStoreOpenFailed, err), "path", path)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, zerr.With(domain.Fail(domain.ErrStoreOpenFailed, err), "path", path)
	}
	return &Store{db: db, hub: hub.New(0), now: time.Now}, nil
}

// Close ends every subscription and closes the database.
func (s *Store) Close() error {
	s.hub.Close(domain.ErrSubscriptionClosed)
	return s.db.Close()
}

// Query returns the rows of table matching filter together with the commit watermark.
func (s *Store) Query(ctx context.Context, table domain.Table, filter domain.Filter) (domain.QueryResult, error) {
	where, args, err := whereClause(table, filter)
	if err != nil {
		return domain.QueryResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueryResult{}, driverError(err)
	}
	defer func() { _ = tx.Rollback() }()

	var res domain.QueryResult
	if res.Seq, err = watermark(ctx, tx); err != nil {
		return domain.QueryResult{}, err
	}

	switch table {
	case domain.TableEdges:
		res.Rows, err = queryEdges(ctx, tx, where, args)
	case domain.TableCounters:
		res.Rows, err = queryCounters(ctx, tx, where, args)
	}
	if err != nil {
		return domain.QueryResult{}, err
	}
	return res, nil
}

func queryEdges(ctx context.Context, tx *sql.Tx, where string, args []any) ([]domain.Row, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT actor_id, subject_type, subject_id, relation, created_at FROM engagement_edges"+where, args...)
	if err != nil {
		return nil, driverError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Row
	for rows.Next() {
		var actor, subjectType, subjectID, relation, createdAt string
		if err := rows.Scan(&actor, &subjectType, &subjectID, &relation, &createdAt); err != nil {
			return nil, driverError(err)
		}
		out = append(out, domain.Row{
			domain.ColActorID:     actor,
			domain.ColSubjectType: subjectType,
			domain.ColSubjectID:   subjectID,
			domain.ColRelation:    relation,
			domain.ColCreatedAt:   createdAt,
		})
	}
	return out, driverError(rows.Err())
}

func queryCounters(ctx context.Context, tx *sql.Tx, where string, args []any) ([]domain.Row, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT subject_type, subject_id, relation, count FROM engagement_counters"+where, args...)
	if err != nil {
		return nil, driverError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Row
	for rows.Next() {
		var subjectType, subjectID, relation string
		var count int64
		if err := rows.Scan(&subjectType, &subjectID, &relation, &count); err != nil {
			return nil, driverError(err)
		}
		out = append(out, domain.Row{
			domain.ColSubjectType: subjectType,
			domain.ColSubjectID:   subjectID,
			domain.ColRelation:    relation,
			domain.ColCount:       count,
		})
	}
	return out, driverError(rows.Err())
}

// Mutate applies op to table in one transaction.
func (s *Store) Mutate(ctx context.Context, table domain.Table, op domain.MutationOp, payload domain.Row) (domain.MutationResult, error) {
	switch {
	case table == domain.TableEdges && (op == domain.OpInsert || op == domain.OpDelete):
		return s.mutateEdge(ctx, op, payload)
	case table == domain.TableCounters && op == domain.OpUpdate:
		return s.updateCounter(ctx, payload)
	case table != domain.TableEdges && table != domain.TableCounters:
		return domain.MutationResult{}, zerr.With(zerr.Wrap(domain.ErrUnknownTable, "mutate"), "table", string(table))
	default:
		err := zerr.Wrap(domain.ErrInvalidRow, "unsupported operation")
		return domain.MutationResult{}, zerr.With(zerr.With(err, "op", string(op)), "table", string(table))
	}
}

func (s *Store) mutateEdge(ctx context.Context, op domain.MutationOp, payload domain.Row) (domain.MutationResult, error) {
	edge, err := domain.EdgeFromRow(payload)
	if err != nil {
		return domain.MutationResult{}, err
	}
	key := []any{edge.ActorID, string(edge.Subject.Type), edge.Subject.ID, string(edge.Relation)}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.MutationResult{}, driverError(err)
	}
	defer func() { _ = tx.Rollback() }()

	change := domain.ChangeInsert
	if op == domain.OpDelete {
		change = domain.ChangeDelete
		var createdAt string
		err := tx.QueryRowContext(ctx, `SELECT created_at FROM engagement_edges
			WHERE actor_id = ? AND subject_type = ? AND subject_id = ? AND relation = ?`, key...).Scan(&createdAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return s.unchanged(ctx, tx, edge)
		case err != nil:
			return domain.MutationResult{}, driverError(err)
		}
		edge.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if _, err := tx.ExecContext(ctx, `DELETE FROM engagement_edges
			WHERE actor_id = ? AND subject_type = ? AND subject_id = ? AND relation = ?`, key...); err != nil {
			return domain.MutationResult{}, driverError(err)
		}
	} else {
		edge.CreatedAt = s.now().UTC()
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO engagement_edges
			(actor_id, subject_type, subject_id, relation, created_at, seq) VALUES (?, ?, ?, ?, ?, 0)`,
			append(key, edge.CreatedAt.Format(time.RFC3339Nano))...)
		if err != nil {
			return domain.MutationResult{}, driverError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.unchanged(ctx, tx, edge)
		}
	}

	logged, err := tx.ExecContext(ctx, `INSERT INTO engagement_log
		(change, actor_id, subject_type, subject_id, relation, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		append([]any{string(change)}, append(key, s.now().UTC().Format(time.RFC3339Nano))...)...)
	if err != nil {
		return domain.MutationResult{}, driverError(err)
	}
	seq, err := logged.LastInsertId()
	if err != nil {
		return domain.MutationResult{}, driverError(err)
	}
	edge.Seq = uint64(seq) //nolint:gosec // AUTOINCREMENT keys are positive

	if change == domain.ChangeInsert {
		if _, err := tx.ExecContext(ctx, `UPDATE engagement_edges SET seq = ?
			WHERE actor_id = ? AND subject_type = ? AND subject_id = ? AND relation = ?`,
			append([]any{seq}, key...)...); err != nil {
			return domain.MutationResult{}, driverError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.MutationResult{}, driverError(err)
	}

	s.hub.Publish(domain.TableEdges, domain.ChangeEvent{Type: change, Edge: edge, Seq: edge.Seq})
	return domain.MutationResult{Row: domain.EdgeRow(edge), Applied: true, Seq: edge.Seq}, nil
}

func (s *Store) unchanged(ctx context.Context, tx *sql.Tx, edge domain.EngagementEdge) (domain.MutationResult, error) {
	seq, err := watermark(ctx, tx)
	if err != nil {
		return domain.MutationResult{}, err
	}
	return domain.MutationResult{Row: domain.EdgeRow(edge), Seq: seq}, nil
}

func (s *Store) updateCounter(ctx context.Context, payload domain.Row) (domain.MutationResult, error) {
	delta := payload.Int(domain.ColDelta)
	subjectType := payload.String(domain.ColSubjectType)
	subjectID := payload.String(domain.ColSubjectID)
	relation := payload.String(domain.ColRelation)
	if subjectType == "" || subjectID == "" || relation == "" {
		return domain.MutationResult{}, zerr.Wrap(domain.ErrInvalidRow, "counter row needs a subject and relation")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.MutationResult{}, driverError(err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int64
	err = tx.QueryRowContext(ctx, `INSERT INTO engagement_counters (subject_type, subject_id, relation, count)
		VALUES (?, ?, ?, MAX(?, 0))
		ON CONFLICT (subject_type, subject_id, relation) DO UPDATE SET count = MAX(count + ?, 0)
		RETURNING count`, subjectType, subjectID, relation, delta, delta).Scan(&count)
	if err != nil {
		return domain.MutationResult{}, driverError(err)
	}
	seq, err := watermark(ctx, tx)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MutationResult{}, driverError(err)
	}

	row := domain.Row{
		domain.ColSubjectType: subjectType,
		domain.ColSubjectID:   subjectID,
		domain.ColRelation:    relation,
		domain.ColDelta:       delta,
		domain.ColCount:       count,
	}
	return domain.MutationResult{Row: row, Applied: true, Seq: seq}, nil
}

// Subscribe streams changes committed through this Store until ctx ends or the
// subscription is closed.
func (s *Store) Subscribe(ctx context.Context, table domain.Table, filter domain.Filter) (ports.Subscription, error) {
	if _, _, err := whereClause(table, filter); err != nil {
		return nil, err
	}
	sub, err := s.hub.Subscribe(table, filter)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, func() { _ = sub.Close() })
	return sub, nil
}

func watermark(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM engagement_log").Scan(&seq); err != nil {
		return 0, driverError(err)
	}
	return uint64(seq), nil //nolint:gosec // AUTOINCREMENT keys are positive
}

func whereClause(table domain.Table, filter domain.Filter) (string, []any, error) {
	allowed, ok := filterColumns[string(table)]
	if !ok {
		return "", nil, zerr.With(zerr.Wrap(domain.ErrUnknownTable, "filter"), "table", string(table))
	}
	if len(filter) == 0 {
		return "", nil, nil
	}

	cols := make([]string, 0, len(filter))
	for col := range filter {
		if !allowed[col] {
			return "", nil, zerr.With(zerr.Wrap(domain.ErrInvalidRow, "unknown filter column"), "column", col)
		}
		cols = append(cols, col)
	}
	slices.Sort(cols)

	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		conds[i] = col + " = ?"
		args[i] = filter[col]
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// driverError maps SQLite failures onto remote errors the classifier understands.
func driverError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}

	remote := &domain.RemoteError{Code: sqliteErr.ExtendedCode.Error(), Message: sqliteErr.Error()}
	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
		remote.Status = http.StatusServiceUnavailable
	case sqlite3.ErrPerm, sqlite3.ErrAuth, sqlite3.ErrReadonly:
		remote.Status = http.StatusForbidden
	}
	return zerr.Wrap(remote, "sqlite")
}
