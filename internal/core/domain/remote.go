package domain

import (
	"fmt"
	"strconv"
	"time"

	"go.trai.ch/zerr"
)

// Table names a remote table.
type Table string

const (
	// TableEdges holds one row per engagement edge.
	TableEdges Table = "engagement_edges"
	// TableCounters holds denormalized per-subject counts.
	TableCounters Table = "engagement_counters"
)

// Column names shared by the remote tables.
const (
	ColActorID     = "actor_id"
	ColSubjectType = "subject_type"
	ColSubjectID   = "subject_id"
	ColRelation    = "relation"
	ColCreatedAt   = "created_at"
	ColCount       = "count"
	ColDelta       = "delta"
)

// Row is a single remote record keyed by column.
type Row map[string]any

// String returns the column as a string, or "" when absent.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the column as an integer, or 0 when absent or malformed.
func (r Row) Int(col string) int64 {
	switch v := r[col].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// Filter restricts a query or subscription by column equality.
type Filter map[string]string

// TopicFilter returns the filter selecting every edge of topic.
func TopicFilter(t Topic) Filter {
	return Filter{
		ColSubjectType: string(t.Subject.Type),
		ColSubjectID:   t.Subject.ID,
		ColRelation:    string(t.Relation),
	}
}

// Matches reports whether row satisfies every column of the filter.
func (f Filter) Matches(row Row) bool {
	for col, want := range f {
		if row.String(col) != want {
			return false
		}
	}
	return true
}

// MutationOp is the kind of write sent to the store.
type MutationOp string

const (
	// OpInsert inserts a row. Inserting an existing edge is not an error and reports Applied=false.
	OpInsert MutationOp = "insert"
	// OpDelete deletes the rows matching the payload.
	OpDelete MutationOp = "delete"
	// OpUpdate applies the payload's delta column to a counter row.
	OpUpdate MutationOp = "update"
)

// QueryResult is the answer to a query. Seq is the store's commit watermark at read time.
type QueryResult struct {
	Rows []Row
	Seq  uint64
}

// MutationResult is the answer to a mutation.
type MutationResult struct {
	Row Row
	// Applied is false when the store was already in the requested state.
	Applied bool
	Seq     uint64
}

// RemoteError is the structured error a store reports.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	switch {
	case e.Code != "" && e.Status != 0:
		return fmt.Sprintf("remote error %d (%s): %s", e.Status, e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("remote error (%s): %s", e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("remote error %d: %s", e.Status, e.Message)
	default:
		return "remote error: " + e.Message
	}
}

// EdgeRow renders an edge as a row of TableEdges.
func EdgeRow(e EngagementEdge) Row {
	row := Row{
		ColActorID:     e.ActorID,
		ColSubjectType: string(e.Subject.Type),
		ColSubjectID:   e.Subject.ID,
		ColRelation:    string(e.Relation),
	}
	if !e.CreatedAt.IsZero() {
		row[ColCreatedAt] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}

// EdgeFromRow parses a row of TableEdges.
func EdgeFromRow(row Row) (EngagementEdge, error) {
	e := EngagementEdge{
		ActorID:  row.String(ColActorID),
		Subject:  Subject{Type: SubjectType(row.String(ColSubjectType)), ID: row.String(ColSubjectID)},
		Relation: Relation(row.String(ColRelation)),
	}
	if e.ActorID == "" || e.Subject.Type == "" || e.Subject.ID == "" || e.Relation == "" {
		return EngagementEdge{}, zerr.With(zerr.Wrap(ErrInvalidRow, "parse edge"), "row", fmt.Sprint(map[string]any(row)))
	}
	switch v := row[ColCreatedAt].(type) {
	case time.Time:
		e.CreatedAt = v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.CreatedAt = t
		}
	}
	return e, nil
}

// CounterRow renders a counter delta for topic as a row of TableCounters.
func CounterRow(t Topic, delta int64) Row {
	return Row{
		ColSubjectType: string(t.Subject.Type),
		ColSubjectID:   t.Subject.ID,
		ColRelation:    string(t.Relation),
		ColDelta:       delta,
	}
}
