package domain

import (
	"context"
	"log/slog"
)

// GeocodingResult is a reverse-geocoding answer. FormattedAddress is the
// provider's full label; PlaceName is the most specific named place.
type GeocodingResult struct {
	Lat              float64
	Lon              float64
	FormattedAddress string
	PlaceName        string
	Confidence       float64 // provider relevance, 0 to 1
}

// Geocoder names coordinates for assessments and alerts.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (GeocodingResult, error)
}

// NameLocation attaches a place name to loc using geocoder. A nil geocoder,
// a lookup error or an empty result leaves loc unchanged.
func NameLocation(ctx context.Context, loc Location, geocoder Geocoder, logger *slog.Logger) Location {
	if geocoder == nil || loc.Name != "" {
		return loc
	}
	if loc.Geo.Lat == 0 && loc.Geo.Lon == 0 {
		return loc
	}

	result, err := geocoder.ReverseGeocode(ctx, loc.Geo.Lat, loc.Geo.Lon)
	if err != nil {
		logger.Warn("reverse geocoding failed",
			"lat", loc.Geo.Lat,
			"lon", loc.Geo.Lon,
			"error", err,
		)
		return loc
	}
	switch {
	case result.PlaceName != "":
		loc.Name = result.PlaceName
	case result.FormattedAddress != "":
		loc.Name = result.FormattedAddress
	}
	return loc
}
