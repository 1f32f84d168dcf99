package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/gorilla/mux"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/engine"
)

var errSensorNotFound = errors.New("sensor not found")

// SensorDirectory reports the latest state of each sensor.
// *engine.Engine implements it.
type SensorDirectory interface {
	Sensors() []engine.SensorState
	Sensor(id string) (engine.SensorState, bool)
}

// handleListSensors lists sensors, optionally narrowed by cluster, status
// (online|offline|error) and stale=true|false.
func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	if s.api.Sensors == nil {
		s.writeError(w, errUnavailable)
		return
	}
	q := r.URL.Query()
	cluster := q.Get("cluster")

	status := domain.SensorStatus(q.Get("status"))
	switch status {
	case "", domain.StatusOnline, domain.StatusOffline, domain.StatusError:
	default:
		s.writeError(w, badParam("status", string(status)))
		return
	}

	var stale *bool
	if raw := q.Get("stale"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, badParam("stale", raw))
			return
		}
		stale = &v
	}

	items := make([]engine.SensorState, 0)
	for _, st := range s.api.Sensors.Sensors() {
		if cluster != "" && st.ClusterID != cluster {
			continue
		}
		if status != "" && st.Latest.Status != status {
			continue
		}
		if stale != nil && st.Stale != *stale {
			continue
		}
		items = append(items, st)
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]any{"sensors": items, "count": len(items)})
}

func (s *Server) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	if s.api.Sensors == nil {
		s.writeError(w, errUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	st, ok := s.api.Sensors.Sensor(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", errSensorNotFound, id))
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, st)
}
