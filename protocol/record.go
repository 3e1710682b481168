package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is a resource instance returned to readers. It's either a
// *PendingRecord, which has been accepted but not yet durably loaded, or a
// *PersistedRecord, which carries its store-assigned identity.
type Record interface {
	// RecordFields returns the column values of the Record.
	RecordFields() Fields
	// IsPersisted is true only of *PersistedRecord.
	IsPersisted() bool
}

// PendingRecord is a Record which was accepted into a Buffer, and not yet
// confirmed as loaded into the durable store. A PendingRecord has no identity:
// its Token only distinguishes one accepted write from another.
type PendingRecord struct {
	Token      string    `json:"token"`
	AcceptedAt time.Time `json:"accepted_at"`
	Fields     Fields    `json:"fields"`
}

// PersistedRecord is a Record having an identity assigned by the durable store.
type PersistedRecord struct {
	ID     int64  `json:"id"`
	Fields Fields `json:"fields"`
}

// NewPendingRecord wraps Fields as a PendingRecord accepted at |now|.
func NewPendingRecord(f Fields, now time.Time) *PendingRecord {
	return &PendingRecord{
		Token:      uuid.New().String(),
		AcceptedAt: now.UTC(),
		Fields:     f,
	}
}

func (r *PendingRecord) RecordFields() Fields { return r.Fields }
func (r *PendingRecord) IsPersisted() bool    { return false }

func (r *PersistedRecord) RecordFields() Fields { return r.Fields }
func (r *PersistedRecord) IsPersisted() bool    { return true }

// Marshal returns the buffered encoding of the PendingRecord.
func (r *PendingRecord) Marshal() ([]byte, error) {
	type plain PendingRecord
	return json.Marshal((*plain)(r))
}

// UnmarshalPendingRecord decodes a buffered PendingRecord, normalizing its
// Fields against the ResourceSpec.
func (s *ResourceSpec) UnmarshalPendingRecord(b []byte) (*PendingRecord, error) {
	type plain PendingRecord
	var out plain

	// Decode numbers as json.Number, so that integers retain their precision.
	var dec = json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	if err := dec.Decode(&out); err != nil {
		return nil, NewValidationError("decoding pending record: %s", err)
	} else if _, err = uuid.Parse(out.Token); err != nil {
		return nil, NewValidationError("pending record token: %s", err)
	} else if out.Fields, err = s.Normalize(out.Fields); err != nil {
		return nil, ExtendContext(err, "Fields")
	}
	return (*PendingRecord)(&out), nil
}

// MarshalJSON tags the PendingRecord with its "pending" status.
func (r *PendingRecord) MarshalJSON() ([]byte, error) {
	type plain PendingRecord
	return json.Marshal(struct {
		Status string `json:"status"`
		*plain
	}{StatusPending, (*plain)(r)})
}

// MarshalJSON tags the PersistedRecord with its "persisted" status.
func (r *PersistedRecord) MarshalJSON() ([]byte, error) {
	type plain PersistedRecord
	return json.Marshal(struct {
		Status string `json:"status"`
		*plain
	}{StatusPersisted, (*plain)(r)})
}

const (
	StatusPending   = "pending"
	StatusPersisted = "persisted"
)

// StagedObject is a batch of rows which has been uploaded to a staging
// object store, and which may be bulk-loaded into a durable store.
type StagedObject struct {
	// URL of the object, including its store scheme (eg "s3://bucket/path").
	URL string
	// Path of the object, relative to its staging store.
	Path string
	// Number of rows of the object.
	Rows int
	// Number of bytes of the object, after compression.
	Bytes int64
	// Codec with which the object is compressed.
	Codec Codec
}

// Codec is a compression codec of staged objects.
type Codec string

const (
	Codec_NONE Codec = "none"
	Codec_GZIP Codec = "gzip"
	Codec_ZSTD Codec = "zstd"
)

// Validate returns an error if the Codec is not known.
func (c Codec) Validate() error {
	switch c {
	case Codec_NONE, Codec_GZIP, Codec_ZSTD:
		return nil
	default:
		return NewValidationError("unknown codec (%s)", c)
	}
}

// Extension returns the filename extension of the Codec.
func (c Codec) Extension() string {
	switch c {
	case Codec_GZIP:
		return ".gz"
	case Codec_ZSTD:
		return ".zst"
	default:
		return ""
	}
}

// ContentEncoding returns the HTTP Content-Encoding of the Codec, if any.
func (c Codec) ContentEncoding() string {
	switch c {
	case Codec_GZIP:
		return "gzip"
	case Codec_ZSTD:
		return "zstd"
	default:
		return ""
	}
}
