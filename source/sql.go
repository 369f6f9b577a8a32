package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/tailbridge/cfg"
)

func init() {
	Register(cfg.SourceSQL, func(ctx context.Context, c cfg.SourceConfiguration) (RowSource, error) {
		return OpenSQL(ctx, c)
	})
}

// sqlDrivers maps a goqu dialect to its database/sql driver name
var sqlDrivers = map[string]string{
	"mysql":    "mysql",
	"sqlite3":  "sqlite3",
	"postgres": "pgx",
}

// SQLSource polls a table through database/sql
type SQLSource struct {
	db        *sql.DB
	dialect   goqu.DialectWrapper
	table     string
	idCol     string
	tsCol     string
	batchSize int
}

// OpenSQL connects to the configured database
func OpenSQL(ctx context.Context, c cfg.SourceConfiguration) (*SQLSource, error) {
	driver, ok := sqlDrivers[c.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver: %s", c.Driver)
	}

	db, err := sql.Open(driver, c.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s source: %w", c.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s source: %w", c.Driver, err)
	}

	log.Info().
		Str("driver", c.Driver).
		Str("table", c.Table).
		Msg("SQL source connected")

	return NewSQLSource(db, c.Driver, c), nil
}

// NewSQLSource wraps an existing connection pool
func NewSQLSource(db *sql.DB, dialect string, c cfg.SourceConfiguration) *SQLSource {
	return &SQLSource{
		db:        db,
		dialect:   goqu.Dialect(dialect),
		table:     c.Table,
		idCol:     c.UUIDColumn,
		tsCol:     c.TimestampColumn,
		batchSize: c.BatchSize,
	}
}

// Poll returns rows with watermark > after
func (s *SQLSource) Poll(ctx context.Context, after time.Time, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = s.batchSize
	}

	query, args, err := s.dialect.From(s.table).
		Where(goqu.C(s.tsCol).Gt(after.UTC())).
		Order(goqu.C(s.tsCol).Asc(), goqu.C(s.idCol).Asc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build poll query: %w", err)
	}

	return s.query(ctx, query, args)
}

// PollAt returns all rows with watermark == at
func (s *SQLSource) PollAt(ctx context.Context, at time.Time) ([]Row, error) {
	query, args, err := s.dialect.From(s.table).
		Where(goqu.C(s.tsCol).Eq(at.UTC())).
		Order(goqu.C(s.idCol).Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build tie query: %w", err)
	}

	return s.query(ctx, query, args)
}

func (s *SQLSource) query(ctx context.Context, query string, args []interface{}) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, WrapReadError(err)
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, WrapReadError(err)
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(colTypes))
		ptrs := make([]any, len(colTypes))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, WrapReadError(err)
		}

		fields := make([]Field, len(colTypes))
		for i, ct := range colTypes {
			typeName := strings.ToUpper(ct.DatabaseTypeName())
			fields[i] = Field{
				Name:  ct.Name(),
				Type:  typeName,
				Value: normalizeSQLValue(typeName, values[i]),
			}
		}
		result = append(result, Row{fields: fields})
	}

	if err := rows.Err(); err != nil {
		return nil, WrapReadError(err)
	}
	return result, nil
}

// normalizeSQLValue converts driver text bytes to strings
func normalizeSQLValue(typeName string, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if isTextType(typeName) {
		return string(b)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

func isTextType(typeName string) bool {
	switch {
	case strings.Contains(typeName, "CHAR"),
		strings.Contains(typeName, "TEXT"),
		strings.Contains(typeName, "CLOB"),
		typeName == "JSON", typeName == "UUID",
		typeName == "DECIMAL", typeName == "NUMERIC",
		typeName == "DATETIME", typeName == "TIMESTAMP", typeName == "DATE":
		return true
	}
	return false
}

// Close closes the connection pool
func (s *SQLSource) Close() error {
	return s.db.Close()
}
