package geoip

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ipgeo/internal/cache"
)

// Snapshot is an immutable bundle of the loaded lookup tables plus the ASN
// directory. It is shared by reference across all in-flight lookups and
// never mutated after construction; a reload publishes a replacement
// wholesale, so a lookup always observes one consistent set of tables.
type Snapshot struct {
	ASN    Table
	City   Table
	Region Table

	// RegionCountry is the ISO code the region table covers. The region
	// table is consulted only when the global table places an address in
	// this country.
	RegionCountry string

	ASNMeta  ASNDirectory
	LoadedAt time.Time

	// gen scopes record-cache keys to this snapshot, so an entry computed
	// from a superseded snapshot can never serve a later request. Assigned
	// once at publish time.
	gen    uint64
	logger *logrus.Logger
}

// LoadError reports which database failed to load.
type LoadError struct {
	Table string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Table, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrNoSnapshot is returned by Lookup before the first successful Load.
var ErrNoSnapshot = errors.New("no database snapshot loaded")

// Manager owns the snapshot lifecycle: construct, publish, retire. Readers
// fetch the current snapshot through a single atomic pointer, so lookups
// never block on a reload and a reload never waits for lookups to drain.
type Manager struct {
	dbPath     string
	logger     *logrus.Logger
	cache      *cache.IPCache[*Record]
	generation atomic.Uint64
	current    atomic.Pointer[Snapshot]
}

// NewManager creates a snapshot manager with an optional record cache.
func NewManager(dbPath string, logger *logrus.Logger, cacheEnabled bool, cacheTTL time.Duration, cacheMaxEntries int) *Manager {
	m := &Manager{
		dbPath: dbPath,
		logger: logger,
	}

	if cacheEnabled {
		m.cache = cache.NewIPCache[*Record](cacheTTL, cacheMaxEntries, logger)
		logger.Infof("Record cache initialized with TTL: %v, Max entries: %d", cacheTTL, cacheMaxEntries)
	}

	return m
}

// Load builds a snapshot from the files on disk and publishes it. Callers
// treat a failure as fatal at startup and as retryable during refresh.
func (m *Manager) Load() error {
	snap, err := m.buildSnapshot()
	if err != nil {
		return err
	}

	m.publish(snap)
	m.logger.WithFields(logrus.Fields{
		"db_path":        m.dbPath,
		"region_country": snap.RegionCountry,
		"asn_directory":  len(snap.ASNMeta),
	}).Info("GeoIP snapshot published")
	return nil
}

// Reload rebuilds the snapshot from the files currently on disk and swaps
// it in atomically. On failure the previous snapshot stays live and keeps
// serving. The record cache is purged only after a successful swap; a
// lookup still running against the outgoing snapshot writes under that
// snapshot's generation, so it cannot repopulate entries the new snapshot
// would serve.
func (m *Manager) Reload() error {
	snap, err := m.buildSnapshot()
	if err != nil {
		return err
	}

	m.publish(snap)
	if m.cache != nil {
		m.cache.Clear()
	}
	m.logger.Info("GeoIP snapshot reloaded")
	return nil
}

// Current returns the live snapshot without blocking; nil before the first
// successful Load.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

func (m *Manager) publish(snap *Snapshot) {
	snap.gen = m.generation.Add(1)
	m.current.Store(snap)
}

func (m *Manager) buildSnapshot() (*Snapshot, error) {
	asn, err := OpenASNTable(filepath.Join(m.dbPath, ASNDatabase))
	if err != nil {
		return nil, &LoadError{Table: ASNDatabase, Err: err}
	}

	city, err := OpenCityTable(filepath.Join(m.dbPath, CityDatabase))
	if err != nil {
		_ = asn.Close()
		return nil, &LoadError{Table: CityDatabase, Err: err}
	}

	region, err := OpenRegionTable(filepath.Join(m.dbPath, RegionDatabase))
	if err != nil {
		_ = asn.Close()
		_ = city.Close()
		return nil, &LoadError{Table: RegionDatabase, Err: err}
	}

	meta, err := LoadASNDirectory(filepath.Join(m.dbPath, ASNInfoFile))
	if err != nil {
		m.logger.Warnf("Failed to load ASN directory: %v", err)
		meta = ASNDirectory{}
	}

	return &Snapshot{
		ASN:           asn,
		City:          city,
		Region:        region,
		RegionCountry: regionCountryCode,
		ASNMeta:       meta,
		LoadedAt:      time.Now(),
		logger:        m.logger,
	}, nil
}

// Lookup resolves one address against the current snapshot, consulting the
// record cache when enabled. The cache key carries the snapshot generation,
// so both the read and the write stay bound to the snapshot this call
// actually observed.
func (m *Manager) Lookup(addr netip.Addr) (*Record, error) {
	snap := m.Current()
	if snap == nil {
		return nil, ErrNoSnapshot
	}

	key := fmt.Sprintf("%d|%s", snap.gen, addr)
	if m.cache != nil {
		if rec, found := m.cache.Get(key); found {
			return rec, nil
		}
	}

	rec := snap.Lookup(addr)

	if m.cache != nil {
		m.cache.Set(key, rec)
	}

	return rec, nil
}

// CacheStats returns record cache statistics.
func (m *Manager) CacheStats() map[string]interface{} {
	if m.cache == nil {
		return map[string]interface{}{
			"enabled": false,
		}
	}

	stats := m.cache.GetStats()
	stats["enabled"] = true
	return stats
}

// DatabaseStatus reports per-file presence and validity for the status
// command and the stats endpoint.
func (m *Manager) DatabaseStatus() map[string]interface{} {
	status := make(map[string]interface{})

	for _, name := range []string{ASNDatabase, CityDatabase, RegionDatabase} {
		path := filepath.Join(m.dbPath, name)
		fileStatus := make(map[string]interface{})

		if info, err := os.Stat(path); err == nil {
			fileStatus["exists"] = true
			fileStatus["size"] = info.Size()
			fileStatus["modified"] = info.ModTime()

			if err := VerifyDatabase(name, path); err == nil {
				fileStatus["valid"] = true
			} else {
				fileStatus["valid"] = false
				fileStatus["error"] = err.Error()
			}
		} else {
			fileStatus["exists"] = false
			fileStatus["error"] = err.Error()
		}

		status[name] = fileStatus
	}

	if snap := m.Current(); snap != nil {
		status["loaded_at"] = snap.LoadedAt
	}

	return status
}

// Close releases the current snapshot's tables. Call only after the server
// has drained: tables must not close while lookups still read them.
func (m *Manager) Close() error {
	snap := m.current.Swap(nil)
	if snap == nil {
		return nil
	}

	var errs []error
	for _, table := range []Table{snap.ASN, snap.City, snap.Region} {
		if table == nil {
			continue
		}
		if err := table.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to close tables: %v", errs)
	}
	return nil
}
