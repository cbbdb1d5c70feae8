package geoip

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	geoip2 "github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"
)

// Database file names expected under the data directory.
const (
	ASNDatabase    = "GeoLite2-ASN.mmdb"
	CityDatabase   = "GeoLite2-City.mmdb"
	RegionDatabase = "GeoCN.mmdb"
	ASNInfoFile    = "asn_info.json"
)

// Country covered by the region database.
const (
	regionCountryCode = "CN"
	regionCountryName = "中国"
)

// ASNInfo is the raw ASN table record before directory enrichment.
type ASNInfo struct {
	Number       uint
	Organization string
}

// Match is the outcome of one longest-prefix lookup: the owning network
// plus whichever record kind the table provides. The ASN table fills ASN,
// the placement tables fill Place.
type Match struct {
	Network netip.Prefix
	ASN     *ASNInfo
	Place   *Placement
}

// Table is a single longest-prefix-match lookup source. Lookup returns
// nil when no prefix in the table covers the address.
type Table interface {
	Lookup(addr netip.Addr) (*Match, error)
	Close() error
}

// openReader loads an mmdb file fully into memory, so a superseded
// snapshot needs no unmapping and is reclaimed by the garbage collector
// once the last lookup holding it returns.
func openReader(path string) (*maxminddb.Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return maxminddb.FromBytes(data)
}

type asnTable struct {
	reader *maxminddb.Reader
}

type asnEntry struct {
	Number       uint   `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// OpenASNTable opens and validates the ASN database.
func OpenASNTable(path string) (Table, error) {
	reader, err := openReader(path)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(reader.Metadata.DatabaseType, "ASN") {
		_ = reader.Close()
		return nil, fmt.Errorf("unexpected database type %q", reader.Metadata.DatabaseType)
	}
	return &asnTable{reader: reader}, nil
}

func (t *asnTable) Lookup(addr netip.Addr) (*Match, error) {
	var entry asnEntry
	network, ok, err := t.reader.LookupNetwork(net.IP(addr.AsSlice()), &entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Match{
		Network: prefixFromIPNet(network),
		ASN:     &ASNInfo{Number: entry.Number, Organization: entry.Organization},
	}, nil
}

func (t *asnTable) Close() error { return t.reader.Close() }

type cityTable struct {
	reader *maxminddb.Reader
}

// cityEntry matches the GeoLite2 City record layout. Coordinates decode
// through pointers so an absent location is distinguishable from 0,0.
type cityEntry struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Location struct {
		Latitude  *float64 `maxminddb:"latitude"`
		Longitude *float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
	RegisteredCountry struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"registered_country"`
	Subdivisions []struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
}

// OpenCityTable opens the global city database.
func OpenCityTable(path string) (Table, error) {
	reader, err := openReader(path)
	if err != nil {
		return nil, err
	}
	return &cityTable{reader: reader}, nil
}

func (t *cityTable) Lookup(addr netip.Addr) (*Match, error) {
	var entry cityEntry
	network, ok, err := t.reader.LookupNetwork(net.IP(addr.AsSlice()), &entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	place := &Placement{
		Country:           localizedCountry(entry.Country.ISOCode, entry.Country.Names),
		RegisteredCountry: localizedCountry(entry.RegisteredCountry.ISOCode, entry.RegisteredCountry.Names),
	}
	if entry.Location.Latitude != nil && entry.Location.Longitude != nil {
		place.Location = &Coordinates{
			Latitude:  *entry.Location.Latitude,
			Longitude: *entry.Location.Longitude,
		}
	}
	if len(entry.Subdivisions) > 0 {
		if name := entry.Subdivisions[0].Names["zh-CN"]; name != "" {
			place.Regions = append(place.Regions, provinceDisplayName(name))
			place.RegionsShort = append(place.RegionsShort, shortRegionName(name))
		}
	}
	if name := entry.City.Names["zh-CN"]; name != "" {
		place.Regions = append(place.Regions, cityDisplayName(name))
		place.RegionsShort = append(place.RegionsShort, shortRegionName(name))
	}

	return &Match{Network: prefixFromIPNet(network), Place: place}, nil
}

func (t *cityTable) Close() error { return t.reader.Close() }

type regionTable struct {
	reader *maxminddb.Reader
}

// regionEntry matches the GeoCN record layout. Names are stored with their
// administrative suffixes already in place.
type regionEntry struct {
	ISP           string `maxminddb:"isp"`
	Net           string `maxminddb:"net"`
	Province      string `maxminddb:"province"`
	ProvinceCode  uint64 `maxminddb:"provinceCode"`
	City          string `maxminddb:"city"`
	CityCode      uint64 `maxminddb:"cityCode"`
	Districts     string `maxminddb:"districts"`
	DistrictsCode uint64 `maxminddb:"districtsCode"`
}

// OpenRegionTable opens the region-specific precision database.
func OpenRegionTable(path string) (Table, error) {
	reader, err := openReader(path)
	if err != nil {
		return nil, err
	}
	return &regionTable{reader: reader}, nil
}

func (t *regionTable) Lookup(addr netip.Addr) (*Match, error) {
	var entry regionEntry
	network, ok, err := t.reader.LookupNetwork(net.IP(addr.AsSlice()), &entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	place := &Placement{
		Country:  &Country{Code: regionCountryCode, Name: regionCountryName},
		Category: entry.Net,
	}
	for _, name := range []string{entry.Province, entry.City, entry.Districts} {
		if name == "" {
			continue
		}
		place.Regions = append(place.Regions, name)
		place.RegionsShort = append(place.RegionsShort, shortRegionName(name))
	}

	return &Match{Network: prefixFromIPNet(network), Place: place}, nil
}

func (t *regionTable) Close() error { return t.reader.Close() }

// VerifyDatabase checks that a database file on disk opens and answers a
// probe lookup. The GeoLite2 files get a typed probe through the geoip2
// reader; the region database only needs to open as well-formed mmdb.
func VerifyDatabase(name, path string) error {
	switch name {
	case ASNDatabase, CityDatabase:
		db, err := geoip2.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		testIP := net.ParseIP("8.8.8.8")
		if name == CityDatabase {
			_, err = db.City(testIP)
		} else {
			_, err = db.ASN(testIP)
		}
		if err != nil {
			return fmt.Errorf("database probe failed: %w", err)
		}
		return nil
	default:
		reader, err := maxminddb.Open(path)
		if err != nil {
			return err
		}
		return reader.Close()
	}
}

// prefixFromIPNet converts the matched network to a prefix in the
// address family of the query.
func prefixFromIPNet(n *net.IPNet) netip.Prefix {
	if n == nil {
		return netip.Prefix{}
	}
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}
	}
	ones, _ := n.Mask.Size()
	if addr.Is4In6() {
		addr = addr.Unmap()
		if ones >= 96 {
			ones -= 96
		}
	}
	return netip.PrefixFrom(addr, ones)
}

// Display names prefer Chinese, falling back to English, matching the
// service's zh-CN-first output.
var nameLanguages = []string{"zh-CN", "en"}

func localizedName(names map[string]string) string {
	for _, lang := range nameLanguages {
		if name := names[lang]; name != "" {
			return name
		}
	}
	return ""
}

// localizedCountry returns nil when no display name exists in any
// preferred language, which renders as an absent country on the wire.
func localizedCountry(code string, names map[string]string) *Country {
	name := localizedName(names)
	if name == "" {
		return nil
	}
	return &Country{Code: code, Name: name}
}

// provinceDisplayName restores the administrative suffix that GeoLite2
// zh-CN subdivision names drop.
func provinceDisplayName(name string) string {
	if strings.HasSuffix(name, "省") || strings.HasSuffix(name, "自治区") || strings.HasSuffix(name, "特别行政区") {
		return name
	}
	return name + "省"
}

func cityDisplayName(name string) string {
	if strings.HasSuffix(name, "市") {
		return name
	}
	return name + "市"
}

var regionSuffixReplacer = strings.NewReplacer(
	"省", "",
	"自治区", "",
	"维吾尔", "",
	"壮族", "",
	"回族", "",
	"市", "",
	"特别行政区", "",
)

// shortRegionName abbreviates a region the way the Chinese output does:
// strip administrative suffixes, keep municipality names whole, otherwise
// take the first two characters.
func shortRegionName(name string) string {
	name = regionSuffixReplacer.Replace(strings.TrimSpace(name))
	switch name {
	case "北京", "上海", "天津", "重庆", "香港", "澳门":
		return name
	}
	runes := []rune(name)
	if len(runes) <= 2 {
		return name
	}
	return string(runes[:2])
}
