package extractor

// Attribute keys attached to every published event
const (
	AttrRowID           = "tailbridge.uuid"
	AttrCommitTimestamp = "tailbridge.commit_timestamp"
	AttrInstance        = "tailbridge.source.instance"
	AttrDatabase        = "tailbridge.source.database"
	AttrTable           = "tailbridge.source.table"
	AttrTopic           = "tailbridge.sink.topic"
	AttrFormat          = "tailbridge.payload.format"
	AttrEncoding        = "tailbridge.payload.encoding"
	AttrKey             = "tailbridge.key"
)

// Attributes is the typed metadata of one event
type Attributes struct {
	RowID           string
	CommitTimestamp string // canonical RFC3339Nano UTC
	Instance        string
	Database        string
	Table           string
	Topic           string
	Format          string
	Key             string // idempotency key, stable across republishes of the same row

	Extra map[string]string
}

// Map renders the broker attribute map. Well-known keys win over Extra.
func (a Attributes) Map() map[string]string {
	m := make(map[string]string, len(a.Extra)+8)
	for k, v := range a.Extra {
		m[k] = v
	}

	m[AttrRowID] = a.RowID
	m[AttrCommitTimestamp] = a.CommitTimestamp
	m[AttrInstance] = a.Instance
	m[AttrDatabase] = a.Database
	m[AttrTable] = a.Table
	m[AttrTopic] = a.Topic
	m[AttrFormat] = a.Format
	m[AttrKey] = a.Key
	return m
}
