package mainboilerplate

import "time"

// DatabaseConfig configures the durable store of the application.
type DatabaseConfig struct {
	Driver         string        `long:"driver" env:"DRIVER" default:"sqlite3" choice:"postgres" choice:"sqlite3" description:"Driver of the durable store. postgres speaks to Redshift or Postgres"`
	DSN            string        `long:"dsn" env:"DSN" default:"spoilers.db" description:"Data source name of the durable store. A file path for sqlite3"`
	MaxConns       int           `long:"max-conns" env:"MAX_CONNS" default:"8" description:"Maximum number of open connections to the durable store"`
	AcquireTimeout time.Duration `long:"acquire-timeout" env:"ACQUIRE_TIMEOUT" default:"5s" description:"Bound on waiting for a free connection before a request is refused as unavailable"`
	Region         string        `long:"region" env:"REGION" description:"AWS region of staged objects bulk-loaded by Redshift COPY, if different from the cluster's"`
	AWSProfile     string        `long:"aws-profile" env:"AWS_PROFILE" description:"Shared AWS profile of bulk-load credentials. The default credential chain is used if not set"`
}
