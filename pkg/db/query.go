package db

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultStreamBatchSize is the number of rows StreamRows fetches per round trip.
const DefaultStreamBatchSize = 500

// Query is one raw SQL statement with its bind arguments.
type Query struct {
	SQL  string
	Args []any
}

// Q builds a Query.
func Q(sql string, args ...any) Query {
	return Query{SQL: sql, Args: args}
}

// Query runs queries in order on a single connection and returns the rows of
// each. Inside RunInTransaction the ambient transaction is used and the
// connection stays with it.
func (m *Manager) Query(ctx context.Context, env string, queries ...Query) ([][]map[string]any, error) {
	results := make([][]map[string]any, 0, len(queries))
	run := func(conn *gorm.DB) error {
		for i, q := range queries {
			var rows []map[string]any
			if err := conn.Raw(q.SQL, q.Args...).Scan(&rows).Error; err != nil {
				return fmt.Errorf("query %d: %w", i, err)
			}
			results = append(results, rows)
		}
		return nil
	}

	if tx := ambientTx(ctx, env); tx != nil {
		if err := run(tx); err != nil {
			return nil, err
		}
		return results, nil
	}

	db, err := m.Get(ctx, env)
	if err != nil {
		return nil, err
	}
	if err := db.Connection(run); err != nil {
		return nil, err
	}
	return results, nil
}

// StreamRows lazily yields the rows of query. On PostgreSQL a server-side
// cursor is fetched batchSize rows at a time; the cursor is closed and its
// transaction ended on every exit path, including a consumer that stops
// early. Other dialects stream the driver's result set.
//
// The sequence is single-use.
func (m *Manager) StreamRows(ctx context.Context, env string, query string, args []any, batchSize int) iter.Seq2[map[string]any, error] {
	if batchSize <= 0 {
		batchSize = DefaultStreamBatchSize
	}
	return func(yield func(map[string]any, error) bool) {
		conn, err := m.GetConnection(ctx, env)
		if err != nil {
			yield(nil, err)
			return
		}
		if !IsPostgres(conn) {
			streamResultSet(conn, query, args, yield)
			return
		}

		tx := ambientTx(ctx, env)
		if tx == nil {
			tx = conn.Begin()
			if tx.Error != nil {
				yield(nil, fmt.Errorf("begin cursor transaction: %w", tx.Error))
				return
			}
			defer tx.Rollback()
		}
		streamCursor(tx, query, args, batchSize, yield)
	}
}

func streamCursor(tx *gorm.DB, query string, args []any, batchSize int, yield func(map[string]any, error) bool) {
	cursor := "etl_cursor_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := tx.Exec("DECLARE "+cursor+" NO SCROLL CURSOR FOR "+query, args...).Error; err != nil {
		yield(nil, fmt.Errorf("declare cursor: %w", err))
		return
	}
	defer tx.Exec("CLOSE " + cursor)

	fetch := fmt.Sprintf("FETCH FORWARD %d FROM %s", batchSize, cursor)
	for {
		var batch []map[string]any
		if err := tx.Raw(fetch).Scan(&batch).Error; err != nil {
			yield(nil, fmt.Errorf("fetch cursor: %w", err))
			return
		}
		for _, row := range batch {
			if !yield(row, nil) {
				return
			}
		}
		if len(batch) < batchSize {
			return
		}
	}
}

func streamResultSet(conn *gorm.DB, query string, args []any, yield func(map[string]any, error) bool) {
	rows, err := conn.Raw(query, args...).Rows()
	if err != nil {
		yield(nil, err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		row := map[string]any{}
		if err := conn.ScanRows(rows, &row); err != nil {
			yield(nil, err)
			return
		}
		if !yield(row, nil) {
			return
		}
	}
	if err := rows.Err(); err != nil {
		yield(nil, err)
	}
}
