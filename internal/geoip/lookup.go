package geoip

import "net/netip"

// Lookup merges the three table views of one address into a Record. It
// never fails: an address unmapped by every table yields a Record whose
// optional parts are all absent. Backend read errors count as misses and
// are logged at debug.
//
// Precedence: the ASN table fills ASN and Network independently of the
// placement tables. The global city table provides the baseline placement;
// when it places the address in the region table's covered country and the
// region table also matches, the region placement replaces the baseline
// wholesale. ASN data is unaffected by which placement source wins.
func (s *Snapshot) Lookup(addr netip.Addr) *Record {
	rec := &Record{Addr: addr}

	// Reserved ranges never appear in the public tables; report the
	// containing block and skip the lookups.
	if network, ok := reservedNetwork(addr); ok {
		rec.Network = network
		return rec
	}

	if s.ASN != nil {
		if match, err := s.ASN.Lookup(addr); err != nil {
			s.debugf("ASN table read failed for %s: %v", addr, err)
		} else if match != nil && match.ASN != nil {
			rec.Network = match.Network
			rec.ASN = &ASNRecord{
				Number: match.ASN.Number,
				Name:   match.ASN.Organization,
			}
			if meta, ok := s.ASNMeta[match.ASN.Number]; ok {
				rec.ASN.Name = meta.Name
				if meta.Type != "" {
					rec.NetworkType = meta.Type
				} else {
					rec.NetworkType = defaultNetworkType
				}
			}
			rec.ASN.Info = rec.ASN.Name
		}
	}

	var place *Placement
	if s.City != nil {
		if match, err := s.City.Lookup(addr); err != nil {
			s.debugf("City table read failed for %s: %v", addr, err)
		} else if match != nil {
			place = match.Place
		}
	}

	if place != nil && place.Country != nil && place.Country.Code == s.RegionCountry && s.Region != nil {
		if match, err := s.Region.Lookup(addr); err != nil {
			s.debugf("Region table read failed for %s: %v", addr, err)
		} else if match != nil && match.Place != nil {
			place = match.Place
			if place.Category != "" {
				rec.NetworkType = place.Category
			}
		}
	}

	rec.Place = place
	return rec
}

func (s *Snapshot) debugf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debugf(format, args...)
	}
}

// reservedNetworks covers special-purpose blocks per the IANA registries:
// private, loopback, link-local, CGNAT, documentation, benchmarking,
// multicast and class E for IPv4; unspecified, loopback, discard,
// documentation, ULA, link-local and multicast for IPv6.
var reservedNetworks = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.88.99.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

func reservedNetwork(addr netip.Addr) (netip.Prefix, bool) {
	for _, network := range reservedNetworks {
		if network.Contains(addr) {
			return network, true
		}
	}
	return netip.Prefix{}, false
}
