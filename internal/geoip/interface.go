package geoip

import "net/netip"

// ManagerInterface defines the snapshot manager operations the HTTP
// handlers depend on.
type ManagerInterface interface {
	Lookup(addr netip.Addr) (*Record, error)
	CacheStats() map[string]interface{}
	DatabaseStatus() map[string]interface{}
	Close() error
}
