package protocol

import (
	"time"
)

// ColumnType is the storage type of a resource column.
type ColumnType string

const (
	ColumnType_INTEGER   ColumnType = "integer"
	ColumnType_BIGINT    ColumnType = "bigint"
	ColumnType_REAL      ColumnType = "real"
	ColumnType_BOOLEAN   ColumnType = "boolean"
	ColumnType_VARCHAR   ColumnType = "varchar"
	ColumnType_TEXT      ColumnType = "text"
	ColumnType_TIMESTAMP ColumnType = "timestamp"
	ColumnType_JSON      ColumnType = "json"
)

// Validate returns an error if the ColumnType is not known.
func (t ColumnType) Validate() error {
	switch t {
	case ColumnType_INTEGER, ColumnType_BIGINT, ColumnType_REAL, ColumnType_BOOLEAN,
		ColumnType_VARCHAR, ColumnType_TEXT, ColumnType_TIMESTAMP, ColumnType_JSON:
		return nil
	default:
		return NewValidationError("unknown column type (%s)", t)
	}
}

// ColumnSpec describes a single column of a resource's table. Columns are
// ordered within their ResourceSpec, and that order is the field order of
// staged rows, which must exactly match the target table schema.
type ColumnSpec struct {
	// Name of the column.
	Name string `yaml:"name" json:"name"`
	// Type of the column.
	Type ColumnType `yaml:"type" json:"type"`
	// Nullable columns may be omitted from a submitted form, or given as null.
	Nullable bool `yaml:"nullable,omitempty" json:"nullable,omitempty"`
}

// Validate returns an error if the ColumnSpec is not well-formed.
func (c *ColumnSpec) Validate() error {
	if err := ValidateIdentifier(c.Name); err != nil {
		return ExtendContext(err, "Name")
	} else if c.Name == IdentityColumn {
		return NewValidationError("column name %q is reserved for the record identity", c.Name)
	} else if err = c.Type.Validate(); err != nil {
		return ExtendContext(err, "Type")
	}
	return nil
}

// ResourceSpec describes a resource: its endpoint, its backing table and
// columns, and how writes to it are buffered and flushed.
type ResourceSpec struct {
	// Name of the resource. Also the name of its Buffer.
	Name string `yaml:"name" json:"name"`
	// Endpoint under which the resource is served. Defaults to "/" + Name.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	// Table of the durable store. Defaults to Name.
	Table string `yaml:"table,omitempty" json:"table,omitempty"`
	// Columns of the table, in table order and excluding the identity column.
	Columns []ColumnSpec `yaml:"columns" json:"columns"`
	// Buffered resources accept writes into a Buffer which is periodically
	// flushed. Un-buffered resources insert directly into the durable store.
	Buffered bool `yaml:"buffered" json:"buffered"`
	// FlushInterval is the period between flushes of the resource's Buffer.
	FlushInterval time.Duration `yaml:"flush_interval,omitempty" json:"flush_interval,omitempty"`
	// FlushTimeout bounds the duration of a single flush.
	FlushTimeout time.Duration `yaml:"flush_timeout,omitempty" json:"flush_timeout,omitempty"`
	// FlushThreshold, if non-zero, is a Buffer depth at which a flush is
	// started early, ahead of the next FlushInterval.
	FlushThreshold int `yaml:"flush_threshold,omitempty" json:"flush_threshold,omitempty"`
	// MaxBatch, if non-zero, limits the number of records loaded by one flush.
	MaxBatch int `yaml:"max_batch,omitempty" json:"max_batch,omitempty"`
	// PageLimit is the maximum number of persisted records read by a List.
	PageLimit int `yaml:"page_limit,omitempty" json:"page_limit,omitempty"`
}

const (
	// IdentityColumn is the store-assigned identity column of every table.
	IdentityColumn = "id"

	DefaultFlushInterval      = 10 * time.Minute
	DefaultFlushTimeout       = 2 * time.Minute
	DefaultBufferedPageLimit  = 1000
	DefaultDirectPageLimit    = 10
	maxResourceNameLength     = 64
	maxResourceEndpointLength = 256
)

// Validate returns an error if the ResourceSpec is not well-formed.
func (s *ResourceSpec) Validate() error {
	if err := ValidateToken(s.Name, 1, maxResourceNameLength); err != nil {
		return ExtendContext(err, "Name")
	} else if s.Endpoint != "" && s.Endpoint[0] != '/' {
		return ExtendContext(NewValidationError("must begin with '/' (%s)", s.Endpoint), "Endpoint")
	} else if err = ValidateToken(s.Endpoint, 0, maxResourceEndpointLength); err != nil {
		return ExtendContext(err, "Endpoint")
	} else if err = ValidateIdentifier(s.TableName()); err != nil {
		return ExtendContext(err, "Table")
	} else if len(s.Columns) == 0 {
		return NewValidationError("expected at least one column")
	}

	var seen = make(map[string]struct{}, len(s.Columns))
	for i := range s.Columns {
		if err := s.Columns[i].Validate(); err != nil {
			return ExtendContext(err, "Columns[%d]", i)
		} else if _, ok := seen[s.Columns[i].Name]; ok {
			return ExtendContext(NewValidationError("duplicate column (%s)", s.Columns[i].Name), "Columns[%d]", i)
		}
		seen[s.Columns[i].Name] = struct{}{}
	}

	if s.FlushInterval < 0 {
		return ExtendContext(NewValidationError("invalid FlushInterval (%s; expected >= 0)", s.FlushInterval), "FlushInterval")
	} else if s.FlushTimeout < 0 {
		return ExtendContext(NewValidationError("invalid FlushTimeout (%s; expected >= 0)", s.FlushTimeout), "FlushTimeout")
	} else if s.FlushThreshold < 0 {
		return ExtendContext(NewValidationError("invalid FlushThreshold (%d; expected >= 0)", s.FlushThreshold), "FlushThreshold")
	} else if s.MaxBatch < 0 {
		return ExtendContext(NewValidationError("invalid MaxBatch (%d; expected >= 0)", s.MaxBatch), "MaxBatch")
	} else if s.PageLimit < 0 {
		return ExtendContext(NewValidationError("invalid PageLimit (%d; expected >= 0)", s.PageLimit), "PageLimit")
	}
	return nil
}

// TableName returns the Table of the ResourceSpec, or its Name if not set.
func (s *ResourceSpec) TableName() string {
	if s.Table != "" {
		return s.Table
	}
	return s.Name
}

// EndpointPath returns the Endpoint of the ResourceSpec, or "/" + Name if not set.
func (s *ResourceSpec) EndpointPath() string {
	if s.Endpoint != "" {
		return s.Endpoint
	}
	return "/" + s.Name
}

// EffectiveFlushInterval returns FlushInterval, or its default.
func (s *ResourceSpec) EffectiveFlushInterval() time.Duration {
	if s.FlushInterval != 0 {
		return s.FlushInterval
	}
	return DefaultFlushInterval
}

// EffectiveFlushTimeout returns FlushTimeout, or its default.
func (s *ResourceSpec) EffectiveFlushTimeout() time.Duration {
	if s.FlushTimeout != 0 {
		return s.FlushTimeout
	}
	return DefaultFlushTimeout
}

// EffectivePageLimit returns PageLimit, or the default for the variant of resource.
func (s *ResourceSpec) EffectivePageLimit() int {
	if s.PageLimit != 0 {
		return s.PageLimit
	} else if s.Buffered {
		return DefaultBufferedPageLimit
	}
	return DefaultDirectPageLimit
}

// ColumnNames returns the ordered names of the ResourceSpec's Columns.
func (s *ResourceSpec) ColumnNames() []string {
	var out = make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}
