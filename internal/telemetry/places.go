package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Place is a resolved human-readable location.
type Place struct {
	DisplayName string
	// SourceKind distinguishes site-directory hits ("site") from generic
	// geocoding ("geocode").
	SourceKind string
}

// PlaceResolver turns a coordinate into a display name. The engine calls
// it only on state transitions or when no cached place exists.
type PlaceResolver interface {
	Resolve(ctx context.Context, lat, lon float64, state string) (Place, error)
}

// Site is a known client location with a containment radius.
type Site struct {
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Contains reports whether the coordinate falls inside the site's radius.
func (s *Site) Contains(lat, lon float64) bool {
	d := geo.Distance(orb.Point{s.Longitude, s.Latitude}, orb.Point{lon, lat})
	return d <= s.RadiusMeters
}

// SiteDirectory answers "is this coordinate at a known client site". The
// parking detector uses the answer to pick its thresholds, and the
// directory doubles as the first tier of place resolution.
type SiteDirectory struct {
	sites []Site
}

func NewSiteDirectory(sites []Site) *SiteDirectory {
	return &SiteDirectory{sites: sites}
}

// LoadSiteDirectory reads a JSON array of sites from path.
func LoadSiteDirectory(path string) (*SiteDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sites file: %w", err)
	}
	var sites []Site
	if err := json.Unmarshal(data, &sites); err != nil {
		return nil, fmt.Errorf("failed to parse sites file: %w", err)
	}
	for i := range sites {
		if sites[i].RadiusMeters <= 0 {
			return nil, fmt.Errorf("site %q has non-positive radius", sites[i].Name)
		}
	}
	return NewSiteDirectory(sites), nil
}

// SiteAt returns the first site containing the coordinate, or nil.
func (d *SiteDirectory) SiteAt(lat, lon float64) *Site {
	if d == nil {
		return nil
	}
	for i := range d.sites {
		if d.sites[i].Contains(lat, lon) {
			return &d.sites[i]
		}
	}
	return nil
}

// DirectoryResolver resolves against the site directory first and falls
// back to an inner resolver for everything else.
type DirectoryResolver struct {
	Directory *SiteDirectory
	Fallback  PlaceResolver
}

func (r *DirectoryResolver) Resolve(ctx context.Context, lat, lon float64, state string) (Place, error) {
	if site := r.Directory.SiteAt(lat, lon); site != nil {
		return Place{DisplayName: site.Name, SourceKind: "site"}, nil
	}
	if r.Fallback == nil {
		return Place{}, nil
	}
	return r.Fallback.Resolve(ctx, lat, lon, state)
}
