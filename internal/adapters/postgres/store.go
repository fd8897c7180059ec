// Package postgres provides a RemoteStore on PostgreSQL with row-level security
// and LISTEN/NOTIFY change feeds.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/zerr"
)

const (
	minReconnectInterval = 100 * time.Millisecond
	maxReconnectInterval = 10 * time.Second
)

// Store implements ports.RemoteStore on PostgreSQL. Every call runs in a
// transaction carrying the caller's claims in request.jwt.claims.
type Store struct {
	dsn    string
	db     *sql.DB
	tokens ports.TokenSource
}

var _ ports.RemoteStore = (*Store)(nil)

// Open connects to dsn and creates missing tables.
func Open(ctx context.Context, dsn string, tokens ports.TokenSource) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, domain.Fail(domain.ErrStoreOpenFailed, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, domain.Fail(domain.ErrStoreOpenFailed, driverError(err))
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, domain.Fail(domain.ErrStoreOpenFailed, driverError(err))
	}
	return &Store{dsn: dsn, db: db, tokens: tokens}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	token := ""
	if s.tokens != nil {
		token, _ = s.tokens.Token()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return driverError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SELECT set_config('request.jwt.claims', $1, true)", claimsFor(token)); err != nil {
		return driverError(err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return driverError(tx.Commit())
}

// Query returns the rows of table matching filter together with the commit watermark.
func (s *Store) Query(ctx context.Context, table domain.Table, filter domain.Filter) (domain.QueryResult, error) {
	where, args, err := whereClause(table, filter)
	if err != nil {
		return domain.QueryResult{}, err
	}

	var res domain.QueryResult
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if res.Seq, err = watermark(ctx, tx); err != nil {
			return err
		}
		if table == domain.TableEdges {
			res.Rows, err = queryEdges(ctx, tx, where, args)
		} else {
			res.Rows, err = queryCounters(ctx, tx, where, args)
		}
		return err
	})
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
		var actor, subjectType, subjectID, relation string
		var createdAt time.Time
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

// Mutate applies op to table. Edge changes are announced with NOTIFY on commit.
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
	topic := domain.Topic{Subject: edge.Subject, Relation: edge.Relation}

	var res domain.MutationResult
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		change := domain.ChangeInsert
		stmt := `INSERT INTO engagement_edges (actor_id, subject_type, subject_id, relation, seq)
			VALUES ($1, $2, $3, $4, 0) ON CONFLICT DO NOTHING RETURNING created_at`
		if op == domain.OpDelete {
			change = domain.ChangeDelete
			stmt = `DELETE FROM engagement_edges
				WHERE actor_id = $1 AND subject_type = $2 AND subject_id = $3 AND relation = $4
				RETURNING created_at`
		}

		err := tx.QueryRowContext(ctx, stmt, key...).Scan(&edge.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			seq, err := watermark(ctx, tx)
			res = domain.MutationResult{Row: domain.EdgeRow(edge), Seq: seq}
			return err
		}
		if err != nil {
			return driverError(err)
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `INSERT INTO engagement_log
			(change, actor_id, subject_type, subject_id, relation) VALUES ($1, $2, $3, $4, $5) RETURNING seq`,
			append([]any{string(change)}, key...)...).Scan(&seq); err != nil {
			return driverError(err)
		}
		edge.Seq = uint64(seq) //nolint:gosec // BIGSERIAL keys are positive

		if change == domain.ChangeInsert {
			if _, err := tx.ExecContext(ctx, `UPDATE engagement_edges SET seq = $5
				WHERE actor_id = $1 AND subject_type = $2 AND subject_id = $3 AND relation = $4`,
				append(key, seq)...); err != nil {
				return driverError(err)
			}
		}

		note, err := encodeNotification(domain.ChangeEvent{Type: change, Edge: edge, Seq: edge.Seq})
		if err != nil {
			return zerr.Wrap(err, "encode notification")
		}
		for _, channel := range []string{channelFor(topic), allChannel} {
			if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, note); err != nil {
				return driverError(err)
			}
		}

		res = domain.MutationResult{Row: domain.EdgeRow(edge), Applied: true, Seq: edge.Seq}
		return nil
	})
	if err != nil {
		return domain.MutationResult{}, err
	}
	return res, nil
}

func (s *Store) updateCounter(ctx context.Context, payload domain.Row) (domain.MutationResult, error) {
	delta := payload.Int(domain.ColDelta)
	subjectType := payload.String(domain.ColSubjectType)
	subjectID := payload.String(domain.ColSubjectID)
	relation := payload.String(domain.ColRelation)
	if subjectType == "" || subjectID == "" || relation == "" {
		return domain.MutationResult{}, zerr.Wrap(domain.ErrInvalidRow, "counter row needs a subject and relation")
	}

	var res domain.MutationResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var count int64
		err := tx.QueryRowContext(ctx, `INSERT INTO engagement_counters (subject_type, subject_id, relation, count)
			VALUES ($1, $2, $3, GREATEST($4::bigint, 0))
			ON CONFLICT (subject_type, subject_id, relation)
			DO UPDATE SET count = GREATEST(engagement_counters.count + $4::bigint, 0)
			RETURNING count`, subjectType, subjectID, relation, delta).Scan(&count)
		if err != nil {
			return driverError(err)
		}
		seq, err := watermark(ctx, tx)
		if err != nil {
			return err
		}
		res = domain.MutationResult{
			Row: domain.Row{
				domain.ColSubjectType: subjectType,
				domain.ColSubjectID:   subjectID,
				domain.ColRelation:    relation,
				domain.ColDelta:       delta,
				domain.ColCount:       count,
			},
			Applied: true,
			Seq:     seq,
		}
		return nil
	})
	if err != nil {
		return domain.MutationResult{}, err
	}
	return res, nil
}

func watermark(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM engagement_log").Scan(&seq); err != nil {
		return 0, driverError(err)
	}
	return uint64(seq), nil //nolint:gosec // BIGSERIAL keys are positive
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
		conds[i] = pq.QuoteIdentifier(col) + " = $" + strconv.Itoa(i+1)
		args[i] = filter[col]
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// driverError maps *pq.Error onto a remote error carrying the SQLSTATE.
func driverError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	remote := &domain.RemoteError{Code: string(pqErr.Code), Message: pqErr.Message}
	return zerr.Wrap(remote, "postgres")
}
