// Package extractor turns source rows into broker events.
//
// Extract is a pure function of the row and the static configuration: no I/O,
// and the same row always yields byte-identical payloads and the same
// idempotency key.
package extractor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/maxpert/tailbridge/cfg"
	"github.com/maxpert/tailbridge/encoding"
	"github.com/maxpert/tailbridge/source"
)

// Payload formats
const (
	FormatJSON     = "json"
	FormatMsgpack  = "msgpack"
	FormatProtobuf = "protobuf"
)

const shapeCacheSize = 64

// ErrMalformedRow is returned when the id or watermark column is missing or unusable
var ErrMalformedRow = errors.New("malformed row")

// Event is the broker-bound form of one row
type Event struct {
	Payload    []byte
	Attributes Attributes
}

// Config is the static extraction configuration
type Config struct {
	IDColumn        string
	TimestampColumn string

	Instance  string
	Database  string
	Table     string
	TablePath string
	Topic     string

	Format         string
	Compression    string
	IncludeColumns []string
	ExcludeColumns []string
}

// ConfigFrom derives the extraction config from the process configuration
func ConfigFrom(c *cfg.Configuration) Config {
	return Config{
		IDColumn:        c.Source.UUIDColumn,
		TimestampColumn: c.Source.TimestampColumn,
		Instance:        c.Source.Instance,
		Database:        c.Source.Database,
		Table:           c.Source.Table,
		TablePath:       c.Source.TablePath(),
		Topic:           c.Sink.Topic,
		Format:          c.Extractor.Format,
		Compression:     c.Extractor.Compression,
		IncludeColumns:  c.Extractor.IncludeColumns,
		ExcludeColumns:  c.Extractor.ExcludeColumns,
	}
}

// shape caches column positions for one row layout
type shape struct {
	idIdx int
	tsIdx int
	keep  []int
}

// Extractor converts rows into events. Safe for concurrent use.
type Extractor struct {
	cfg    Config
	filter *ColumnFilter
	zstd   *zstd.Encoder
	shapes *lru.Cache[uint64, *shape]
}

// New creates an extractor
func New(c Config) (*Extractor, error) {
	if c.IDColumn == "" || c.TimestampColumn == "" {
		return nil, errors.New("id and timestamp columns are required")
	}
	if c.Format == "" {
		c.Format = FormatJSON
	}
	switch c.Format {
	case FormatJSON, FormatMsgpack, FormatProtobuf:
	default:
		return nil, fmt.Errorf("unknown payload format: %s", c.Format)
	}

	filter, err := NewColumnFilter(c.IncludeColumns, c.ExcludeColumns)
	if err != nil {
		return nil, err
	}

	shapes, err := lru.New[uint64, *shape](shapeCacheSize)
	if err != nil {
		return nil, err
	}

	e := &Extractor{cfg: c, filter: filter, shapes: shapes}

	switch c.Compression {
	case "", "none":
	case "zstd":
		e.zstd, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown compression: %s", c.Compression)
	}

	return e, nil
}

// Extract builds the event for a row
func (e *Extractor) Extract(row source.Row) (Event, error) {
	sh := e.shapeOf(row)

	if sh.idIdx < 0 {
		return Event{}, fmt.Errorf("%w: id column %q missing", ErrMalformedRow, e.cfg.IDColumn)
	}
	if sh.tsIdx < 0 {
		return Event{}, fmt.Errorf("%w: timestamp column %q missing", ErrMalformedRow, e.cfg.TimestampColumn)
	}

	id, err := RowID(row.At(sh.idIdx))
	if err != nil {
		return Event{}, err
	}
	wm, err := WatermarkOf(row.At(sh.tsIdx))
	if err != nil {
		return Event{}, err
	}

	values := make(map[string]any, len(sh.keep))
	for _, i := range sh.keep {
		f := row.At(i)
		values[f.Name] = normalize(f.Value)
	}

	payload, err := e.encode(values)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	attrs := Attributes{
		RowID:           id,
		CommitTimestamp: source.CanonicalTimestamp(wm),
		Instance:        e.cfg.Instance,
		Database:        e.cfg.Database,
		Table:           e.cfg.Table,
		Topic:           e.cfg.Topic,
		Format:          e.cfg.Format,
		Key:             IdempotencyKey(e.cfg.TablePath, id, wm),
	}
	if e.zstd != nil {
		payload = e.zstd.EncodeAll(payload, make([]byte, 0, len(payload)))
		attrs.Extra = map[string]string{AttrEncoding: "zstd"}
	}

	return Event{Payload: payload, Attributes: attrs}, nil
}

// Watermark reads and validates the watermark of a row
func (e *Extractor) Watermark(row source.Row) (time.Time, error) {
	sh := e.shapeOf(row)
	if sh.tsIdx < 0 {
		return time.Time{}, fmt.Errorf("%w: timestamp column %q missing", ErrMalformedRow, e.cfg.TimestampColumn)
	}
	return WatermarkOf(row.At(sh.tsIdx))
}

// ID reads and validates the row id
func (e *Extractor) ID(row source.Row) (string, error) {
	sh := e.shapeOf(row)
	if sh.idIdx < 0 {
		return "", fmt.Errorf("%w: id column %q missing", ErrMalformedRow, e.cfg.IDColumn)
	}
	return RowID(row.At(sh.idIdx))
}

func (e *Extractor) shapeOf(row source.Row) *shape {
	columns := row.Columns()
	key := xxhash.Sum64String(strings.Join(columns, "\x00"))
	if sh, ok := e.shapes.Get(key); ok {
		return sh
	}

	sh := &shape{
		idIdx: columnIndex(columns, e.cfg.IDColumn),
		tsIdx: columnIndex(columns, e.cfg.TimestampColumn),
	}
	for i, name := range columns {
		if e.filter.Match(name) {
			sh.keep = append(sh.keep, i)
		}
	}

	e.shapes.Add(key, sh)
	return sh
}

func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	for i, c := range columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

func (e *Extractor) encode(values map[string]any) ([]byte, error) {
	switch e.cfg.Format {
	case FormatMsgpack:
		return encoding.Marshal(values)
	case FormatProtobuf:
		st, err := structpb.NewStruct(protoSafe(values).(map[string]any))
		if err != nil {
			return nil, err
		}
		return proto.MarshalOptions{Deterministic: true}.Marshal(st)
	default:
		return json.Marshal(values)
	}
}

// RowID renders the id column as a string
func RowID(f source.Field) (string, error) {
	switch v := f.Value.(type) {
	case nil:
		return "", fmt.Errorf("%w: id column %q is NULL", ErrMalformedRow, f.Name)
	case string:
		if v == "" {
			return "", fmt.Errorf("%w: id column %q is empty", ErrMalformedRow, f.Name)
		}
		return v, nil
	case []byte:
		if len(v) == 0 {
			return "", fmt.Errorf("%w: id column %q is empty", ErrMalformedRow, f.Name)
		}
		if utf8.Valid(v) {
			return string(v), nil
		}
		return base64.RawURLEncoding.EncodeToString(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	default:
		return "", fmt.Errorf("%w: id column %q has unsupported type %T", ErrMalformedRow, f.Name, f.Value)
	}
}

// WatermarkOf parses the watermark column
func WatermarkOf(f source.Field) (time.Time, error) {
	var wm time.Time
	switch v := f.Value.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("%w: timestamp column %q is NULL", ErrMalformedRow, f.Name)
	case time.Time:
		wm = v
	case string:
		t, err := source.ParseTimestamp(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp column %q: %v", ErrMalformedRow, f.Name, err)
		}
		wm = t
	default:
		return time.Time{}, fmt.Errorf("%w: timestamp column %q has unsupported type %T", ErrMalformedRow, f.Name, f.Value)
	}

	if wm.IsZero() {
		return time.Time{}, fmt.Errorf("%w: timestamp column %q is zero", ErrMalformedRow, f.Name)
	}
	return wm.UTC(), nil
}

// IdempotencyKey is the consumer dedup key of a row version
func IdempotencyKey(tablePath, id string, wm time.Time) string {
	d := xxhash.New()
	d.WriteString(tablePath)
	d.WriteString("\x00")
	d.WriteString(id)
	d.WriteString("\x00")
	d.WriteString(source.CanonicalTimestamp(wm))
	return fmt.Sprintf("%016x", d.Sum64())
}

// normalize maps source values onto types every payload format can carry
func normalize(v any) any {
	switch x := v.(type) {
	case time.Time:
		return source.CanonicalTimestamp(x)
	case *big.Rat:
		return x.FloatString(9)
	case fmt.Stringer:
		return x.String()
	}
	return v
}

// protoSafe rewrites values structpb cannot represent directly
func protoSafe(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = protoSafe(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = protoSafe(val)
		}
		return out
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case nil, bool, string, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return x
	default:
		return fmt.Sprint(x)
	}
}
