package mainboilerplate

import (
	"os"

	petname "github.com/dustinkirkland/golang-petname"
)

// ServiceConfig represents identification and addressing configuration of the process.
type ServiceConfig struct {
	ID    string `long:"id" env:"ID" description:"Unique ID of this process, used in staged object paths. Auto-generated if not set"`
	Iface string `long:"iface" env:"IFACE" default:"" description:"Network interface to bind. All interfaces are bound if not set"`
	Host  string `long:"host" env:"HOST" description:"Addressable, advertised hostname or IP of this process. Hostname is used if not set"`
	Port  string `long:"port" env:"PORT" default:"8080" description:"Service port for HTTP requests. A random port is used if empty"`
}

// ProcessID returns the configured ID, or generates and sets a random one.
func (cfg *ServiceConfig) ProcessID() string {
	if cfg.ID == "" {
		cfg.ID = petname.Generate(2, "-")
	}
	return cfg.ID
}

// Hostname returns the configured Host, or the hostname of the machine.
func (cfg *ServiceConfig) Hostname() string {
	if cfg.Host == "" {
		var err error
		cfg.Host, err = os.Hostname()
		Must(err, "failed to determine hostname")
	}
	return cfg.Host
}
