package types

import (
	"encoding/json"
	"net/netip"
	"reflect"
	"sort"
	"testing"

	"ipgeo/internal/geoip"
)

func fullRecord() *geoip.Record {
	return &geoip.Record{
		Addr:    netip.MustParseAddr("36.99.0.1"),
		Network: netip.MustParsePrefix("36.96.0.0/11"),
		ASN: &geoip.ASNRecord{
			Number: 4134,
			Name:   "中国电信",
			Info:   "中国电信",
		},
		Place: &geoip.Placement{
			Location:          &geoip.Coordinates{Latitude: 34.77, Longitude: 113.72},
			Country:           &geoip.Country{Code: "CN", Name: "中国"},
			RegisteredCountry: &geoip.Country{Code: "CN", Name: "中国"},
			Regions:           []string{"河南省", "郑州市"},
			RegionsShort:      []string{"河南", "郑州"},
		},
		NetworkType: "宽带",
	}
}

func TestNewIPInfoFullRecord(t *testing.T) {
	info := NewIPInfo(fullRecord())

	want := &IPInfo{
		IP:                "36.99.0.1",
		AS:                &ASN{Number: 4134, Name: "中国电信", Info: "中国电信"},
		Addr:              "36.96.0.0/11",
		Location:          &Location{Latitude: 34.77, Longitude: 113.72},
		Country:           &Country{Code: "CN", Name: "中国"},
		RegisteredCountry: &Country{Code: "CN", Name: "中国"},
		Regions:           []string{"河南省", "郑州市"},
		RegionsShort:      []string{"河南", "郑州"},
		Type:              "宽带",
	}

	if !reflect.DeepEqual(info, want) {
		t.Errorf("NewIPInfo() = %+v, want %+v", info, want)
	}
}

func TestNewIPInfoOmitsAbsentFields(t *testing.T) {
	info := NewIPInfo(&geoip.Record{Addr: netip.MustParseAddr("203.0.113.5")})

	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if got := string(data); got != `{"ip":"203.0.113.5"}` {
		t.Errorf("Marshal() = %s, want only the ip field", got)
	}
}

func TestNewIPInfoReservedRecord(t *testing.T) {
	info := NewIPInfo(&geoip.Record{
		Addr:    netip.MustParseAddr("10.0.0.1"),
		Network: netip.MustParsePrefix("10.0.0.0/8"),
	})

	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if got := string(data); got != `{"ip":"10.0.0.1","addr":"10.0.0.0/8"}` {
		t.Errorf("Marshal() = %s, want ip and addr only", got)
	}
}

func TestIPInfoWireKeys(t *testing.T) {
	data, err := json.Marshal(NewIPInfo(fullRecord()))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	var keys []string
	for key := range decoded {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	want := []string{"addr", "as", "country", "ip", "location", "regions", "regions_short", "registered_country", "type"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("Wire keys = %v, want %v", keys, want)
	}

	var as map[string]json.RawMessage
	if err := json.Unmarshal(decoded["as"], &as); err != nil {
		t.Fatalf("Unmarshal as failed: %v", err)
	}
	for _, key := range []string{"number", "name", "info"} {
		if _, ok := as[key]; !ok {
			t.Errorf("as object missing key %q", key)
		}
	}
}

func TestNewHostResponse(t *testing.T) {
	records := []*geoip.Record{
		{Addr: netip.MustParseAddr("93.184.216.34")},
		{Addr: netip.MustParseAddr("93.184.216.35")},
		{Addr: netip.MustParseAddr("2606:2800:220:1::1")},
	}

	resp := NewHostResponse("example.com", records)

	if resp.Host != "example.com" {
		t.Errorf("Host = %q, want example.com", resp.Host)
	}
	if len(resp.IPs) != len(records) {
		t.Fatalf("len(IPs) = %d, want %d", len(resp.IPs), len(records))
	}
	for i, rec := range records {
		if resp.IPs[i].IP != rec.Addr.String() {
			t.Errorf("IPs[%d] = %q, want %q (resolver order preserved)", i, resp.IPs[i].IP, rec.Addr.String())
		}
	}
}

func TestHostResponseEmptyIPsSerializesAsArray(t *testing.T) {
	data, err := json.Marshal(NewHostResponse("example.com", nil))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if got := string(data); got != `{"host":"example.com","ips":[]}` {
		t.Errorf("Marshal() = %s, want empty ips array", got)
	}
}
