package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"marketscope/internal/logging"
)

// Op is a query filter operator.
type Op string

const (
	OpEq  Op = "=="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpIn  Op = "in"
)

type filter struct {
	field  string
	op     Op
	value  any
	values []any // for OpIn
}

// Query is a composable filtered query over one collection. Single-field
// equality filters and pure order-by scans execute directly; composite shapes
// (two or more filter fields, or a filter combined with ordering on a
// different field) require a registered composite index and fail with
// *MissingIndexError otherwise.
type Query struct {
	store      *Store
	collection string
	filters    []filter
	orderField string
	orderDesc  bool
	limitN     uint64
}

// Query starts a query on a collection.
func (s *Store) Query(collection string) *Query {
	return &Query{store: s, collection: collection}
}

// Where adds a filter. For OpIn pass a []any value.
func (q *Query) Where(field string, op Op, value any) *Query {
	f := filter{field: field, op: op, value: value}
	if op == OpIn {
		if vs, ok := value.([]any); ok {
			f.values = vs
		} else if ss, ok := value.([]string); ok {
			for _, s := range ss {
				f.values = append(f.values, s)
			}
		}
	}
	q.filters = append(q.filters, f)
	return q
}

// OrderBy sets the ordering field.
func (q *Query) OrderBy(field string, desc bool) *Query {
	q.orderField = field
	q.orderDesc = desc
	return q
}

// Limit caps the number of returned documents.
func (q *Query) Limit(n int) *Query {
	if n > 0 {
		q.limitN = uint64(n)
	}
	return q
}

// indexFields returns the fields a composite index for this query must cover,
// in declaration order, or nil when no index is required.
func (q *Query) indexFields() []string {
	fields := make([]string, 0, len(q.filters)+1)
	for _, f := range q.filters {
		fields = append(fields, f.field)
	}
	orderCovered := q.orderField == ""
	for _, f := range fields {
		if f == q.orderField {
			orderCovered = true
		}
	}
	if !orderCovered {
		fields = append(fields, q.orderField)
	}
	if len(fields) >= 2 && len(q.filters) >= 1 {
		return fields
	}
	return nil
}

func jsonPath(field string) string {
	// Fields come from code, never user input.
	return fmt.Sprintf("json_extract(data, '$.%s')", field)
}

// Documents executes the query and returns matching documents in order.
func (q *Query) Documents(ctx context.Context) ([]Document, error) {
	if need := q.indexFields(); need != nil {
		ok, err := q.store.hasIndex(ctx, q.collection, need)
		if err != nil {
			return nil, err
		}
		if !ok {
			logging.StoreDebug("Query on %s rejected: missing index (%s)", q.collection, strings.Join(need, ","))
			return nil, &MissingIndexError{Collection: q.collection, Fields: need}
		}
	}

	builder := sq.Select("doc_id", "data", "created_at", "updated_at").
		From("documents").
		Where(sq.Eq{"collection": q.collection})

	for _, f := range q.filters {
		path := jsonPath(f.field)
		switch f.op {
		case OpEq:
			builder = builder.Where(sq.Expr(path+" = ?", f.value))
		case OpGt:
			builder = builder.Where(sq.Expr(path+" > ?", f.value))
		case OpGte:
			builder = builder.Where(sq.Expr(path+" >= ?", f.value))
		case OpLt:
			builder = builder.Where(sq.Expr(path+" < ?", f.value))
		case OpLte:
			builder = builder.Where(sq.Expr(path+" <= ?", f.value))
		case OpIn:
			if len(f.values) == 0 {
				return nil, fmt.Errorf("query %s: empty IN list for %s", q.collection, f.field)
			}
			marks := strings.TrimSuffix(strings.Repeat("?,", len(f.values)), ",")
			builder = builder.Where(sq.Expr(path+" IN ("+marks+")", f.values...))
		default:
			return nil, fmt.Errorf("query %s: unsupported operator %q", q.collection, f.op)
		}
	}

	if q.orderField != "" {
		dir := "ASC"
		if q.orderDesc {
			dir = "DESC"
		}
		// Tie-break on doc_id so creation-time-ordered ids keep latest-first stable.
		builder = builder.OrderBy(jsonPath(q.orderField)+" "+dir, "doc_id "+dir)
	}
	if q.limitN > 0 {
		builder = builder.Limit(q.limitN)
	}

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("query %s build: %w", q.collection, err)
	}

	var docs []Document
	err = q.store.retry.Do(ctx, func() error {
		q.store.mu.RLock()
		defer q.store.mu.RUnlock()

		rows, err := q.store.db.QueryContext(ctx, sqlStr, args...)
		if err != nil {
			return fmt.Errorf("query %s: %w", q.collection, err)
		}
		defer rows.Close()

		docs = docs[:0]
		for rows.Next() {
			var d Document
			var raw string
			if err := rows.Scan(&d.ID, &raw, &d.CreatedAt, &d.UpdatedAt); err != nil {
				return fmt.Errorf("query %s scan: %w", q.collection, err)
			}
			if err := decodeJSON(raw, &d.Data); err != nil {
				return fmt.Errorf("query %s decode %s: %w", q.collection, d.ID, err)
			}
			docs = append(docs, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	logging.StoreDebug("Query %s returned %d docs", q.collection, len(docs))
	return docs, nil
}

// First returns the first matching document or ErrNotFound.
func (q *Query) First(ctx context.Context) (*Document, error) {
	docs, err := q.Limit(1).Documents(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("query %s: %w", q.collection, ErrNotFound)
	}
	return &docs[0], nil
}

func decodeJSON(raw string, out *map[string]any) error {
	return json.Unmarshal([]byte(raw), out)
}
