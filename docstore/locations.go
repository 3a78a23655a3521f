// SPDX-License-Identifier: MIT

package docstore

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlascloud/atlas-sdk-go/internal/cache"
	"github.com/atlascloud/atlas-sdk-go/internal/log"
)

// Location is one regional deployment of the account.
type Location struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// accountTopology is the account's region layout as served by the topology
// read. Writable locations lead with the current write region.
type accountTopology struct {
	ReadableLocations []Location       `json:"readableLocations"`
	WritableLocations []Location       `json:"writableLocations"`
	PartitionRanges   []PartitionRange `json:"partitionRanges"`
}

type operationKind string

const (
	opRead  operationKind = "read"
	opWrite operationKind = "write"
)

// unavailableTTL is how long a failed endpoint stays quarantined before it
// is eligible again.
const unavailableTTL = 5 * time.Minute

// topologyStaleness is how old a cached topology may get before the client
// rereads it.
const topologyStaleness = 5 * time.Minute

// locationCache tracks the account's regional endpoints, the caller's
// preference order, and which endpoints are currently quarantined after
// failures. Quarantine expiry is lazy, there is no background sweep here.
type locationCache struct {
	mu              sync.RWMutex
	defaultEndpoint string
	preferred       []string
	read            []Location
	write           []Location
	ranges          *rangeIndex
	refreshedAt     time.Time
	unavailable     cache.Cache
	logger          zerolog.Logger
}

func newLocationCache(defaultEndpoint string, preferred []string) *locationCache {
	return &locationCache{
		defaultEndpoint: defaultEndpoint,
		preferred:       preferred,
		unavailable:     cache.NewMemoryCache("docstore_unavailable", 0),
		logger:          log.WithComponent("docstore.locations"),
	}
}

// update installs a fresh topology.
func (lc *locationCache) update(topology accountTopology, now time.Time) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.read = orderByPreference(topology.ReadableLocations, lc.preferred)
	lc.write = orderByPreference(topology.WritableLocations, lc.preferred)
	lc.ranges = newRangeIndex(topology.PartitionRanges)
	lc.refreshedAt = now
}

// stale reports whether the topology needs a refresh.
func (lc *locationCache) stale(now time.Time) bool {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return now.Sub(lc.refreshedAt) >= topologyStaleness
}

// orderByPreference puts preferred region names first, in the caller's
// order, then the rest in service order.
func orderByPreference(locations []Location, preferred []string) []Location {
	if len(preferred) == 0 {
		return locations
	}
	ordered := make([]Location, 0, len(locations))
	used := make(map[string]bool, len(locations))
	for _, name := range preferred {
		for _, loc := range locations {
			if loc.Name == name && !used[loc.Name] {
				ordered = append(ordered, loc)
				used[loc.Name] = true
			}
		}
	}
	for _, loc := range locations {
		if !used[loc.Name] {
			ordered = append(ordered, loc)
			used[loc.Name] = true
		}
	}
	return ordered
}

// resolve returns every endpoint eligible for the operation, most preferred
// first, skipping quarantined ones. The default endpoint is the fallback of
// last resort so a fully quarantined account still has somewhere to send.
func (lc *locationCache) resolve(kind operationKind) []string {
	lc.mu.RLock()
	locations := lc.read
	if kind == opWrite {
		locations = lc.write
	}
	lc.mu.RUnlock()

	endpoints := make([]string, 0, len(locations)+1)
	for _, loc := range locations {
		if lc.available(kind, loc.Endpoint) {
			endpoints = append(endpoints, loc.Endpoint)
		}
	}
	if len(endpoints) == 0 {
		endpoints = append(endpoints, lc.defaultEndpoint)
	}
	return endpoints
}

// markUnavailable quarantines an endpoint for the operation kind.
func (lc *locationCache) markUnavailable(endpoint string, kind operationKind) {
	lc.logger.Warn().
		Str(log.FieldEndpoint, endpoint).
		Str("operation", string(kind)).
		Dur("quarantine", unavailableTTL).
		Msg("endpoint marked unavailable")
	lc.unavailable.Set(quarantineKey(kind, endpoint), time.Now(), unavailableTTL)
}

func (lc *locationCache) available(kind operationKind, endpoint string) bool {
	_, quarantined := lc.unavailable.Get(quarantineKey(kind, endpoint))
	return !quarantined
}

// owner maps an effective partition key onto its range, when a topology has
// been loaded.
func (lc *locationCache) owner(effectiveKey string) (PartitionRange, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	if lc.ranges == nil {
		return PartitionRange{}, false
	}
	return lc.ranges.Owner(effectiveKey)
}

func quarantineKey(kind operationKind, endpoint string) string {
	return string(kind) + "|" + endpoint
}
