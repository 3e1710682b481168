package staging

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	pb "go.spoilers.dev/core/protocol"
)

var (
	constructors = make(map[string]Constructor)
	stores       = make(map[string]*ActiveStore)
	storesMu     sync.RWMutex
)

// RegisterProviders registers store constructors for different storage schemes.
// This should be called during initialization to register all available store types.
func RegisterProviders(providers map[string]Constructor) {
	storesMu.Lock()
	defer storesMu.Unlock()

	for scheme, constructor := range providers {
		constructors[scheme] = constructor
	}
}

// GetProviders returns a copy of the currently registered store constructors.
// This is useful for tests that need to preserve and restore providers.
func GetProviders() map[string]Constructor {
	storesMu.RLock()
	defer storesMu.RUnlock()

	var copy = make(map[string]Constructor, len(constructors))
	for scheme, constructor := range constructors {
		copy[scheme] = constructor
	}
	return copy
}

// ParseURL parses and validates a staging store URL. The URL must have a
// registrable scheme, and a path which ends in '/'.
func ParseURL(rawURL string) (*url.URL, error) {
	var ep, err = url.Parse(rawURL)
	if err != nil {
		return nil, pb.ExtendContext(pb.NewValidationError("parsing URL: %s", err), "StagingURL")
	} else if ep.Scheme == "" {
		return nil, pb.NewValidationError("staging URL is missing a scheme (%s)", rawURL)
	} else if !strings.HasSuffix(ep.Path, "/") {
		return nil, pb.NewValidationError("staging URL path doesn't end in '/' (%s)", ep.Path)
	}
	return ep, nil
}

// Open returns the ActiveStore of the given staging URL. It will attempt to
// initialize the store if not already cached.
func Open(rawURL string) (*ActiveStore, error) {
	// Fast path: check if store already exists
	storesMu.RLock()
	if activeStore, ok := stores[rawURL]; ok {
		storesMu.RUnlock()
		return activeStore, nil
	}
	storesMu.RUnlock()

	var ep, err = ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	storesMu.Lock()
	defer storesMu.Unlock()

	// Double-check after acquiring write lock
	if activeStore, ok := stores[rawURL]; ok {
		return activeStore, nil
	}

	constructor, ok := constructors[ep.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported staging store scheme: %s", ep.Scheme)
	}
	store, err := constructor(ep)
	if err != nil {
		// Return error but don't cache - will retry on next call
		return nil, err
	}

	var activeStore = NewActiveStore(rawURL, store)
	stores[rawURL] = activeStore
	activeStores.Set(float64(len(stores)))

	return activeStore, nil
}

var (
	activeStores = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spoilers_staging_store_active",
		Help: "Number of active staging stores",
	})

	storeOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spoilers_staging_operation_duration_seconds",
		Help:    "Duration of staging store operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	}, []string{"store", "operation", "status"})

	storeOperationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spoilers_staging_operation_total",
		Help: "Total number of staging store operations",
	}, []string{"store", "operation", "status"})

	storePutBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spoilers_staging_put_bytes_total",
		Help: "Total bytes written to staging stores",
	}, []string{"store", "encoding"})
)

// ParseStoreArgs decodes the query arguments of a store URL into |args|,
// which is a pointer to a backend-specific struct. Unknown arguments are
// an error.
func ParseStoreArgs(ep *url.URL, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if q, err := url.ParseQuery(ep.RawQuery); err != nil {
		return err
	} else if err = decoder.Decode(args, q); err != nil {
		return fmt.Errorf("parsing store URL arguments: %s", err)
	}
	return nil
}
