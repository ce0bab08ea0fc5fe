package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"leakwatch/internal/model"
)

// Provider formats understood by the built-in adapters.
const (
	FormatIPAPICo  = "ipapi.co"
	FormatIPAPICom = "ip-api.com"
	FormatIPInfo   = "ipinfo.io"
)

const DefaultProviderTimeout = 5 * time.Second

var (
	ErrUnknownFormat   = errors.New("geo: unknown provider format")
	ErrInvalidResponse = errors.New("geo: response is not a location document")
	ErrProviderError   = errors.New("geo: provider reported an error")
	ErrRateLimited     = errors.New("geo: provider rate limit reached")
)

// Provider describes one geolocation endpoint. Endpoint may contain "{ip}",
// which is replaced by the queried address; an empty address asks the
// provider about the caller's own address.
type Provider struct {
	Name     string
	Endpoint string
	Format   string
	Timeout  time.Duration
	// RatePerMinute caps requests to this provider; zero means unlimited.
	RatePerMinute int
}

// DefaultProviders is the built-in priority order.
func DefaultProviders() []Provider {
	return []Provider{
		{Name: "ipapi.co", Endpoint: "https://ipapi.co/{ip}/json/", Format: FormatIPAPICo, Timeout: DefaultProviderTimeout},
		{Name: "ip-api.com", Endpoint: "http://ip-api.com/json/{ip}", Format: FormatIPAPICom, Timeout: DefaultProviderTimeout},
		{Name: "ipinfo.io", Endpoint: "https://ipinfo.io/{ip}/json", Format: FormatIPInfo, Timeout: DefaultProviderTimeout},
	}
}

// URL expands the endpoint template for address.
func (p Provider) URL(address string) string {
	if address == "" {
		u := strings.Replace(p.Endpoint, "/{ip}", "", 1)
		return strings.Replace(u, "{ip}", "", 1)
	}
	return strings.ReplaceAll(p.Endpoint, "{ip}", url.PathEscape(address))
}

// Adapter maps one provider's decoded document onto a LocationRecord.
// Documents are decoded with UseNumber, so numbers arrive as json.Number and
// keep the provider's own text. ObservedAt is filled in by the caller.
type Adapter func(doc map[string]any) (model.LocationRecord, error)

// Adapters holds the built-in adapters by format name.
var Adapters = map[string]Adapter{
	FormatIPAPICo:  adaptIPAPICo,
	FormatIPAPICom: adaptIPAPICom,
	FormatIPInfo:   adaptIPInfo,
}

func adaptIPAPICo(doc map[string]any) (model.LocationRecord, error) {
	if b, ok := doc["error"].(bool); ok && b {
		return model.LocationRecord{}, fmt.Errorf("%w: %s", ErrProviderError, text(doc, "reason"))
	}
	return record(doc, fields{
		address: "ip", country: "country_name", region: "region", city: "city",
		lat: "latitude", lon: "longitude", timezone: "timezone", isp: "org",
	})
}

func adaptIPAPICom(doc map[string]any) (model.LocationRecord, error) {
	if s := text(doc, "status"); s != "" && s != "success" {
		return model.LocationRecord{}, fmt.Errorf("%w: %s", ErrProviderError, text(doc, "message"))
	}
	return record(doc, fields{
		address: "query", country: "country", region: "regionName", city: "city",
		lat: "lat", lon: "lon", timezone: "timezone", isp: "isp",
	})
}

func adaptIPInfo(doc map[string]any) (model.LocationRecord, error) {
	if _, ok := doc["error"]; ok {
		return model.LocationRecord{}, fmt.Errorf("%w: %v", ErrProviderError, doc["error"])
	}
	r, err := record(doc, fields{
		address: "ip", country: "country", region: "region", city: "city",
		timezone: "timezone", isp: "org",
	})
	if err != nil {
		return r, err
	}
	if lat, lon, ok := strings.Cut(text(doc, "loc"), ","); ok {
		r.Latitude = orUnknown(strings.TrimSpace(lat))
		r.Longitude = orUnknown(strings.TrimSpace(lon))
	}
	return r, nil
}

type fields struct {
	address, country, region, city, lat, lon, timezone, isp string
}

func record(doc map[string]any, f fields) (model.LocationRecord, error) {
	if text(doc, f.address) == "" && text(doc, f.country) == "" {
		return model.LocationRecord{}, ErrInvalidResponse
	}
	return model.LocationRecord{
		Address:   text(doc, f.address),
		Country:   orUnknown(text(doc, f.country)),
		Region:    orUnknown(text(doc, f.region)),
		City:      orUnknown(text(doc, f.city)),
		Latitude:  orUnknown(text(doc, f.lat)),
		Longitude: orUnknown(text(doc, f.lon)),
		Timezone:  orUnknown(text(doc, f.timezone)),
		ISP:       orUnknown(text(doc, f.isp)),
	}, nil
}

// text returns a string or number field as its original text.
func text(doc map[string]any, key string) string {
	if key == "" {
		return ""
	}
	switch v := doc[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func orUnknown(s string) string {
	if s == "" {
		return model.Unknown
	}
	return s
}
