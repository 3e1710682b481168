package main

import (
	"time"

	"github.com/jessevdk/go-flags"
	mbp "go.spoilers.dev/core/mainboilerplate"
)

const iniFilename = "spoilers.ini"

// Config is the top-level configuration object of a spoilers process.
var Config = new(struct {
	Service mbp.ServiceConfig `group:"Service" namespace:"service" env-namespace:"SERVICE"`

	Resources struct {
		Path string `long:"path" env:"PATH" default:"resources.yaml" description:"Path to the YAML definitions of served resources"`
	} `group:"Resources" namespace:"resources" env-namespace:"RESOURCES"`

	Buffer struct {
		Type        string        `long:"type" env:"TYPE" default:"sqlite" choice:"memory" choice:"sqlite" choice:"etcd" description:"Backend of the write Buffer. memory is lost on exit"`
		Path        string        `long:"path" env:"PATH" default:"spoilers-buffer.db" description:"Path of the sqlite Buffer database"`
		BusyTimeout time.Duration `long:"busy-timeout" env:"BUSY_TIMEOUT" default:"5s" description:"Bound on waiting for a locked sqlite Buffer"`
		Prefix      string        `long:"prefix" env:"PREFIX" default:"/spoilers/buffers" description:"Etcd key prefix of the etcd Buffer"`
	} `group:"Buffer" namespace:"buffer" env-namespace:"BUFFER"`

	Etcd mbp.EtcdConfig `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`

	Database mbp.DatabaseConfig `group:"Database" namespace:"database" env-namespace:"DATABASE"`

	Staging struct {
		URL           string        `long:"url" env:"URL" default:"file:///tmp/spoilers-staging/" description:"Staging store of bulk-loaded objects (s3://bucket/prefix/, gs://bucket/prefix/, file:///path/, or memory://name/)"`
		Codec         string        `long:"codec" env:"CODEC" default:"gzip" choice:"none" choice:"gzip" choice:"zstd" description:"Compression codec of staged objects"`
		UploadTimeout time.Duration `long:"upload-timeout" env:"UPLOAD_TIMEOUT" default:"1m" description:"Bound on a single staged object upload"`
		RemoveLoaded  bool          `long:"remove-loaded" env:"REMOVE_LOADED" description:"Remove staged objects once they're loaded"`
	} `group:"Staging" namespace:"staging" env-namespace:"STAGING"`

	Flush struct {
		MaxBackoff time.Duration `long:"max-backoff" env:"MAX_BACKOFF" default:"1h" description:"Maximum delay between flushes of a repeatedly failing resource"`
		OnExit     bool          `long:"on-exit" env:"ON_EXIT" description:"Flush each buffered resource a final time on exit"`
	} `group:"Flush" namespace:"flush" env-namespace:"FLUSH"`

	Auth struct {
		Keys string `long:"keys" env:"KEYS" description:"Whitespace or comma separated, base64-encoded keys of bearer tokens. The first key is used for signing. Requests are not authorized if empty"`
	} `group:"Auth" namespace:"auth" env-namespace:"AUTH"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve resources", `
Serve the defined resources over HTTP, with the provided configuration, until
signaled to exit (via SIGTERM or SIGINT). Writes of buffered resources are
accepted into the Buffer and periodically flushed into the durable store.
`, &cmdServe{})

	_, _ = parser.AddCommand("buffers", "List buffered resources of a server", `
List the Buffer depth and last flush outcome of each buffered resource of a
running server.
`, &cmdBuffers{})

	_, _ = parser.AddCommand("flush", "Flush buffered resources of a server", `
Flush the named buffered resources of a running server now, ahead of their
flush interval, and report the outcome of each. If no resources are named,
all buffered resources are flushed.
`, &cmdFlush{})

	_, _ = parser.AddCommand("staged", "List staged objects", `
List objects of the staging store under an optional path prefix, such as the
table of a resource. Objects which remain after their load are garbage of a
flush which failed, or of a configuration which doesn't remove loaded objects.
`, &cmdStaged{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
