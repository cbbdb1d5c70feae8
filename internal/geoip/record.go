package geoip

import "net/netip"

// ASNRecord describes the autonomous system announcing an address. Name
// carries the localized operator name when the ASN directory knows the
// number, otherwise the organization name from the ASN table; Info always
// mirrors the resolved Name.
type ASNRecord struct {
	Number uint
	Name   string
	Info   string
}

// Coordinates is a latitude/longitude pair.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Country pairs an ISO 3166-1 code with a localized display name.
type Country struct {
	Code string
	Name string
}

// Placement is the geographic half of a lookup result. Exactly one source
// produces it per lookup: the global city table or the region table.
// Regions runs from country level to most specific; RegionsShort holds the
// abbreviated form of each entry in the same order.
type Placement struct {
	Location          *Coordinates
	Country           *Country
	RegisteredCountry *Country
	Regions           []string
	RegionsShort      []string
	Category          string
}

// Record is the merged per-address result. ASN, Network and Place may each
// be absent: a valid address can be unmapped in every table, and that is a
// successful lookup, not an error.
type Record struct {
	Addr        netip.Addr
	ASN         *ASNRecord
	Network     netip.Prefix
	Place       *Placement
	NetworkType string
}
