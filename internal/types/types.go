package types

import "ipgeo/internal/geoip"

// ASN is the "as" object of the wire format.
type ASN struct {
	Number uint   `json:"number"`
	Name   string `json:"name"`
	Info   string `json:"info"`
}

// Location is a latitude/longitude pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Country pairs an ISO code with a display name.
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// IPInfo is the single-address response shape: the merged lookup record
// flattened at the top level. Absent optional fields are omitted rather
// than serialized as null.
type IPInfo struct {
	IP                string    `json:"ip"`
	AS                *ASN      `json:"as,omitempty"`
	Addr              string    `json:"addr,omitempty"`
	Location          *Location `json:"location,omitempty"`
	Country           *Country  `json:"country,omitempty"`
	RegisteredCountry *Country  `json:"registered_country,omitempty"`
	Regions           []string  `json:"regions,omitempty"`
	RegionsShort      []string  `json:"regions_short,omitempty"`
	Type              string    `json:"type,omitempty"`
}

// HostResponse is the multi-address response shape for hostname queries.
type HostResponse struct {
	Host string    `json:"host"`
	IPs  []*IPInfo `json:"ips"`
}

// NewIPInfo flattens one merged lookup record into the wire shape.
func NewIPInfo(rec *geoip.Record) *IPInfo {
	info := &IPInfo{
		IP:   rec.Addr.String(),
		Type: rec.NetworkType,
	}

	if rec.ASN != nil {
		info.AS = &ASN{
			Number: rec.ASN.Number,
			Name:   rec.ASN.Name,
			Info:   rec.ASN.Info,
		}
	}
	if rec.Network.IsValid() {
		info.Addr = rec.Network.String()
	}
	if place := rec.Place; place != nil {
		if place.Location != nil {
			info.Location = &Location{
				Latitude:  place.Location.Latitude,
				Longitude: place.Location.Longitude,
			}
		}
		info.Country = countryInfo(place.Country)
		info.RegisteredCountry = countryInfo(place.RegisteredCountry)
		info.Regions = place.Regions
		info.RegionsShort = place.RegionsShort
	}

	return info
}

func countryInfo(c *geoip.Country) *Country {
	if c == nil {
		return nil
	}
	return &Country{Code: c.Code, Name: c.Name}
}

// NewHostResponse assembles the multi-address shape, one entry per
// resolved address in resolver order.
func NewHostResponse(host string, records []*geoip.Record) *HostResponse {
	resp := &HostResponse{
		Host: host,
		IPs:  make([]*IPInfo, 0, len(records)),
	}
	for _, rec := range records {
		resp.IPs = append(resp.IPs, NewIPInfo(rec))
	}
	return resp
}
