package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// IncidentType classifies an external incident report.
type IncidentType string

const (
	IncidentFlood       IncidentType = "Flood"
	IncidentRoadClosure IncidentType = "Road Closure"
	IncidentTrafficJam  IncidentType = "Traffic Jam"
	IncidentLandslide   IncidentType = "Landslide"
	IncidentEarthquake  IncidentType = "Earthquake"
)

// Incident is a read-only report from an external feed. It can corroborate an
// alert but never changes a score.
type Incident struct {
	ID          string       `json:"id" validate:"required"`
	Type        IncidentType `json:"type" validate:"required,oneof=Flood 'Road Closure' 'Traffic Jam' Landslide Earthquake"`
	Provider    string       `json:"provider" validate:"required,oneof=Waze SIP4D Manual JMA"`
	Severity    string       `json:"severity" validate:"required,oneof=low medium high"`
	Location    Geo          `json:"location"`
	StartTime   time.Time    `json:"start_time" validate:"required"`
	EndTime     *time.Time   `json:"end_time,omitempty"`
	Description string       `json:"description,omitempty"`
}

var incidentValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the enumerated fields, the coordinates and that the
// incident does not end before it starts.
func (inc Incident) Validate() error {
	if err := incidentValidator.Struct(inc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: incident %s: %s failed %q", ErrInvalidInput, inc.ID, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: incident %s: %v", ErrInvalidInput, inc.ID, err)
	}
	if !inc.Location.Valid() {
		return fmt.Errorf("%w: incident %s: location out of range", ErrInvalidInput, inc.ID)
	}
	if inc.EndTime != nil && inc.EndTime.Before(inc.StartTime) {
		return fmt.Errorf("%w: incident %s: end_time before start_time", ErrInvalidInput, inc.ID)
	}
	return nil
}
