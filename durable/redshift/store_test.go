package redshift

import (
	"context"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"go.spoilers.dev/core/auth"
	pb "go.spoilers.dev/core/protocol"
)

func TestCopyStatement(t *testing.T) {
	var spec = specFixture()
	var obj = pb.StagedObject{
		URL:   "s3://bucket/staging/log_level_warning/proc/2018-01-02/abc.csv.gz",
		Rows:  50,
		Codec: pb.Codec_GZIP,
	}
	var creds = auth.Credentials{AccessKeyID: "AKIA", SecretAccessKey: "se/cr+et"}

	require.Equal(t, `COPY "log_level_warning" ("timestamp", "title", "urgent")`+
		` FROM 's3://bucket/staging/log_level_warning/proc/2018-01-02/abc.csv.gz'`+
		` CREDENTIALS 'aws_access_key_id=AKIA;aws_secret_access_key=se/cr+et'`+
		` CSV NULL AS '\\N' TIMEFORMAT 'auto' COMPUPDATE OFF STATUPDATE OFF GZIP;`,
		copyStatement(spec, obj, creds, ""))

	// Session tokens, other codecs, and regions.
	creds.SessionToken = "tok"
	obj.Codec = pb.Codec_ZSTD
	require.Equal(t, `COPY "log_level_warning" ("timestamp", "title", "urgent")`+
		` FROM 's3://bucket/staging/log_level_warning/proc/2018-01-02/abc.csv.gz'`+
		` CREDENTIALS 'aws_access_key_id=AKIA;aws_secret_access_key=se/cr+et;token=tok'`+
		` CSV NULL AS '\\N' TIMEFORMAT 'auto' COMPUPDATE OFF STATUPDATE OFF ZSTD REGION 'us-west-2';`,
		copyStatement(spec, obj, creds, "us-west-2"))

	// Literals cannot be escaped from.
	obj.Codec = pb.Codec_NONE
	require.Contains(t,
		copyStatement(spec, obj, auth.Credentials{AccessKeyID: "x'; DROP TABLE t; --"}, ""),
		`CREDENTIALS 'aws_access_key_id=x''; DROP TABLE t; --;aws_secret_access_key='`)
}

func TestInsertAndPageStatements(t *testing.T) {
	var spec = specFixture()

	require.Equal(t, `INSERT INTO "log_level_warning" ("timestamp", "title", "urgent")`+
		` VALUES ($1, $2, $3) RETURNING "id";`, insertStatement(spec))
	require.Equal(t, `SELECT "id", "timestamp", "title", "urgent" FROM "log_level_warning"`+
		` ORDER BY "id" DESC LIMIT $1;`, pageStatement(spec, true))
	require.Equal(t, `SELECT "id", "timestamp", "title", "urgent" FROM "log_level_warning"`+
		` ORDER BY "id" DESC;`, pageStatement(spec, false))
}

func TestBulkLoadRequiresS3(t *testing.T) {
	var s = &Store{Credentials: auth.StaticProvider{AccessKeyID: "a", SecretAccessKey: "b"}}
	var _, err = s.BulkLoad(context.Background(), specFixture(), pb.StagedObject{URL: "gs://bucket/obj.csv"})
	require.EqualError(t, err, "COPY requires an s3:// staged object (gs://bucket/obj.csv)")

	// Credential failures are surfaced before a connection is acquired.
	s.Credentials = auth.StaticProvider{}
	_, err = s.BulkLoad(context.Background(), specFixture(), pb.StagedObject{URL: "s3://bucket/obj.csv"})
	require.EqualError(t, err, "bulk load credentials: static credentials are incomplete")
}

func TestErrorMapping(t *testing.T) {
	require.NoError(t, mapErr(nil, "op"))
	require.Equal(t, context.DeadlineExceeded, mapErr(context.DeadlineExceeded, "op"))

	var err = mapErr(&pq.Error{Code: "53300", Message: "too many connections"}, "page")
	require.EqualError(t, err, "page: too many connections: service unavailable")
	require.True(t, pb.IsRetryable(err))

	err = mapErr(&pq.Error{Code: "42P01", Message: `relation "foo" does not exist`}, "page")
	require.ErrorIs(t, err, pb.ErrDurableStoreUnavailable)

	err = mapErr(errors.New("connection refused"), "bulk load")
	require.EqualError(t, err, "bulk load: connection refused: durable store unavailable")
}

func specFixture() *pb.ResourceSpec {
	return &pb.ResourceSpec{
		Name:  "warning",
		Table: "log_level_warning",
		Columns: []pb.ColumnSpec{
			{Name: "timestamp", Type: pb.ColumnType_TIMESTAMP},
			{Name: "title", Type: pb.ColumnType_VARCHAR, Nullable: true},
			{Name: "urgent", Type: pb.ColumnType_BOOLEAN, Nullable: true},
		},
	}
}
