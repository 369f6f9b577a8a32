package source

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"

	"github.com/maxpert/tailbridge/cfg"
	"github.com/maxpert/tailbridge/common"
)

func init() {
	Register(cfg.SourceSpanner, func(ctx context.Context, c cfg.SourceConfiguration) (RowSource, error) {
		return OpenSpanner(ctx, c)
	})
}

// SpannerSource polls a Spanner table using single-use read-only transactions
type SpannerSource struct {
	client    *spanner.Client
	table     string
	idCol     string
	tsCol     string
	batchSize int
}

// OpenSpanner connects to the configured database
func OpenSpanner(ctx context.Context, c cfg.SourceConfiguration) (*SpannerSource, error) {
	client, err := spanner.NewClient(ctx, c.DatabasePath(), common.ClientOptions(c.EmulatorHost, c.CredentialsFile)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create spanner client: %w", err)
	}

	log.Info().
		Str("database", c.DatabasePath()).
		Str("table", c.Table).
		Bool("emulator", c.EmulatorHost != "").
		Msg("Spanner source connected")

	return &SpannerSource{
		client:    client,
		table:     c.Table,
		idCol:     c.UUIDColumn,
		tsCol:     c.TimestampColumn,
		batchSize: c.BatchSize,
	}, nil
}

// Poll returns rows with watermark > after
func (s *SpannerSource) Poll(ctx context.Context, after time.Time, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = s.batchSize
	}

	stmt := spanner.Statement{
		SQL: fmt.Sprintf("SELECT * FROM `%s` WHERE `%s` > @after ORDER BY `%s` ASC, `%s` ASC LIMIT @limit",
			s.table, s.tsCol, s.tsCol, s.idCol),
		Params: map[string]interface{}{
			"after": after.UTC(),
			"limit": int64(limit),
		},
	}
	return s.query(ctx, stmt)
}

// PollAt returns all rows with watermark == at
func (s *SpannerSource) PollAt(ctx context.Context, at time.Time) ([]Row, error) {
	stmt := spanner.Statement{
		SQL: fmt.Sprintf("SELECT * FROM `%s` WHERE `%s` = @at ORDER BY `%s` ASC",
			s.table, s.tsCol, s.idCol),
		Params: map[string]interface{}{
			"at": at.UTC(),
		},
	}
	return s.query(ctx, stmt)
}

func (s *SpannerSource) query(ctx context.Context, stmt spanner.Statement) ([]Row, error) {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var result []Row
	for {
		r, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, WrapReadError(err)
		}

		row, err := decodeSpannerRow(r)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, nil
}

func decodeSpannerRow(r *spanner.Row) (Row, error) {
	names := r.ColumnNames()
	fields := make([]Field, len(names))

	for i, name := range names {
		var gcv spanner.GenericColumnValue
		if err := r.Column(i, &gcv); err != nil {
			return Row{}, fmt.Errorf("failed to read column %s: %w", name, err)
		}

		value, err := decodeSpannerValue(gcv)
		if err != nil {
			return Row{}, fmt.Errorf("failed to decode column %s: %w", name, err)
		}

		fields[i] = Field{
			Name:  name,
			Type:  gcv.Type.GetCode().String(),
			Value: value,
		}
	}
	return Row{fields: fields}, nil
}

// decodeSpannerValue maps a Spanner column into a plain Go value; NULL becomes nil
func decodeSpannerValue(gcv spanner.GenericColumnValue) (any, error) {
	switch gcv.Type.GetCode() {
	case sppb.TypeCode_STRING:
		var v spanner.NullString
		if err := gcv.Decode(&v); err != nil || !v.Valid {
			return nil, err
		}
		return v.StringVal, nil
	case sppb.TypeCode_INT64:
		var v spanner.NullInt64
		if err := gcv.Decode(&v); err != nil || !v.Valid {
			return nil, err
		}
		return v.Int64, nil
	case sppb.TypeCode_FLOAT64:
		var v spanner.NullFloat64
		if err := gcv.Decode(&v); err != nil || !v.Valid {
			return nil, err
		}
		return v.Float64, nil
	case sppb.TypeCode_BOOL:
		var v spanner.NullBool
		if err := gcv.Decode(&v); err != nil || !v.Valid {
			return nil, err
		}
		return v.Bool, nil
	case sppb.TypeCode_TIMESTAMP:
		var v spanner.NullTime
		if err := gcv.Decode(&v); err != nil || !v.Valid {
			return nil, err
		}
		return v.Time.UTC(), nil
	case sppb.TypeCode_DATE:
		var v spanner.NullDate
		if err := gcv.Decode(&v); err != nil || !v.Valid {
			return nil, err
		}
		return v.Date.String(), nil
	case sppb.TypeCode_NUMERIC:
		var v spanner.NullNumeric
		if err := gcv.Decode(&v); err != nil || !v.Valid {
			return nil, err
		}
		return spanner.NumericString(&v.Numeric), nil
	case sppb.TypeCode_JSON:
		var v spanner.NullJSON
		if err := gcv.Decode(&v); err != nil || !v.Valid {
			return nil, err
		}
		return v.Value, nil
	case sppb.TypeCode_BYTES:
		var v []byte
		if err := gcv.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		// Arrays and structs keep their protobuf shape
		if gcv.Value == nil {
			return nil, nil
		}
		return gcv.Value.AsInterface(), nil
	}
}

// Close releases the client's sessions
func (s *SpannerSource) Close() error {
	s.client.Close()
	return nil
}
