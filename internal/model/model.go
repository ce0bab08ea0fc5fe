package model

import "time"

// Unknown is the sentinel carried by geo fields that could not be resolved.
const Unknown = "unknown"

// LocationRecord is one observed visit. Geo fields are kept as the provider's
// own text. Treat a record as a value: the With* methods return modified
// copies and never change the receiver.
type LocationRecord struct {
	Address   string `json:"ip" yaml:"ip"`
	Country   string `json:"country" yaml:"country"`
	Region    string `json:"region" yaml:"region"`
	City      string `json:"city" yaml:"city"`
	Latitude  string `json:"latitude" yaml:"latitude"`
	Longitude string `json:"longitude" yaml:"longitude"`
	Timezone  string `json:"timezone" yaml:"timezone"`
	ISP       string `json:"isp" yaml:"isp"`
	// ObservedAt is seconds since the Unix epoch.
	ObservedAt int64 `json:"timestamp" yaml:"timestamp"`
}

// UnknownRecord is the degraded record used when no provider answered.
func UnknownRecord(address string, at time.Time) LocationRecord {
	return LocationRecord{
		Address:    address,
		Country:    Unknown,
		Region:     Unknown,
		City:       Unknown,
		Latitude:   Unknown,
		Longitude:  Unknown,
		Timezone:   Unknown,
		ISP:        Unknown,
		ObservedAt: at.Unix(),
	}
}

// IsUnknown reports whether every geo field carries the Unknown sentinel.
func (r LocationRecord) IsUnknown() bool {
	for _, f := range []string{r.Country, r.Region, r.City, r.Latitude, r.Longitude, r.Timezone, r.ISP} {
		if f != Unknown {
			return false
		}
	}
	return true
}

// Observed returns ObservedAt as a time.Time in UTC.
func (r LocationRecord) Observed() time.Time {
	return time.Unix(r.ObservedAt, 0).UTC()
}

// WithObservedAt returns a copy stamped with t.
func (r LocationRecord) WithObservedAt(t time.Time) LocationRecord {
	r.ObservedAt = t.Unix()
	return r
}

// WithAddress returns a copy carrying address.
func (r LocationRecord) WithAddress(address string) LocationRecord {
	r.Address = address
	return r
}

// AggregateStats is a read-only snapshot of the remote's counters.
type AggregateStats struct {
	TotalVisits     uint64 `json:"total_visits"`
	UniqueCountries uint64 `json:"unique_countries"`
}

// VisitPage is one page of the remote's visit log.
type VisitPage struct {
	Visits      []LocationRecord `json:"visits"`
	TotalPages  uint64           `json:"total_pages"`
	CurrentPage uint64           `json:"current_page"`
	TotalItems  uint64           `json:"total_items"`
}

// CountryStat is the visit count for one country.
type CountryStat struct {
	Country    string `json:"country"`
	VisitCount uint64 `json:"visit_count"`
}

// MemoryStats describes the remote's bounded visit buffer.
type MemoryStats struct {
	TotalVisits     uint64 `json:"total_visits"`
	BufferCapacity  uint64 `json:"buffer_capacity"`
	UniqueCountries uint64 `json:"unique_countries"`
}

// Health is the combined result of a backend health check.
type Health struct {
	Identity string      `json:"identity"`
	Memory   MemoryStats `json:"memory"`
}

// Marker is a point drawn on a rendered map.
type Marker struct {
	Lat   string `json:"lat"`
	Lon   string `json:"lon"`
	Color string `json:"color"`
}

// MapRequest asks the remote to render a static map. Nil optional fields
// leave the choice to the remote.
type MapRequest struct {
	Lat     string   `json:"lat"`
	Lon     string   `json:"lon"`
	Zoom    *uint8   `json:"zoom,omitempty"`
	Width   *uint16  `json:"width,omitempty"`
	Height  *uint16  `json:"height,omitempty"`
	Markers []Marker `json:"markers,omitempty"`
}
