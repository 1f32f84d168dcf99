package http

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/lifecycle"
)

const (
	defaultLimit   = 100
	maxLimit       = 1000
	defaultRadiusM = 1000
)

// commonFilter holds the query parameters shared by alert and assessment listings.
type commonFilter struct {
	cluster     string
	near        *lifecycle.Near
	category    domain.Category
	minCategory domain.Category
	from, to    time.Time
	limit       int
}

func parseAssessmentFilter(q url.Values) (lifecycle.AssessmentFilter, error) {
	c, err := parseCommon(q)
	if err != nil {
		return lifecycle.AssessmentFilter{}, err
	}
	return lifecycle.AssessmentFilter{
		ClusterID:   c.cluster,
		Near:        c.near,
		Category:    c.category,
		MinCategory: c.minCategory,
		From:        c.from,
		To:          c.to,
		Limit:       c.limit,
	}, nil
}

func parseAlertFilter(q url.Values) (lifecycle.AlertFilter, error) {
	c, err := parseCommon(q)
	if err != nil {
		return lifecycle.AlertFilter{}, err
	}
	f := lifecycle.AlertFilter{
		ClusterID:   c.cluster,
		Near:        c.near,
		Category:    c.category,
		MinCategory: c.minCategory,
		From:        c.from,
		To:          c.to,
		Limit:       c.limit,
	}
	if raw := q.Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := parseState(part)
			if !ok {
				return lifecycle.AlertFilter{}, badParam("state", part)
			}
			f.States = append(f.States, st)
		}
	}
	return f, nil
}

func parseCommon(q url.Values) (commonFilter, error) {
	c := commonFilter{cluster: q.Get("cluster"), limit: defaultLimit}

	for param, dst := range map[string]*domain.Category{"category": &c.category, "min_category": &c.minCategory} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		cat, ok := domain.ParseCategory(raw)
		if !ok {
			return c, badParam(param, raw)
		}
		*dst = cat
	}

	lat, lon := q.Get("lat"), q.Get("lon")
	if (lat == "") != (lon == "") {
		return c, fmt.Errorf("%w: lat and lon must be given together", domain.ErrInvalidInput)
	}
	if lat != "" {
		g, err := parseGeo(lat, lon)
		if err != nil {
			return c, err
		}
		radius := float64(defaultRadiusM)
		if raw := q.Get("radius_m"); raw != "" {
			radius, err = strconv.ParseFloat(raw, 64)
			if err != nil || radius <= 0 {
				return c, badParam("radius_m", raw)
			}
		}
		c.near = &lifecycle.Near{Geo: g, RadiusM: radius}
	}

	var err error
	if c.from, err = parseTime(q, "from"); err != nil {
		return c, err
	}
	if c.to, err = parseTime(q, "to"); err != nil {
		return c, err
	}
	if !c.from.IsZero() && !c.to.IsZero() && c.to.Before(c.from) {
		return c, fmt.Errorf("%w: to is before from", domain.ErrInvalidInput)
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c, badParam("limit", raw)
		}
		c.limit = min(n, maxLimit)
	}
	return c, nil
}

func parseGeo(lat, lon string) (domain.Geo, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return domain.Geo{}, badParam("lat", lat)
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return domain.Geo{}, badParam("lon", lon)
	}
	g := domain.Geo{Lat: la, Lon: lo}
	if !g.Valid() {
		return domain.Geo{}, fmt.Errorf("%w: coordinates out of range", domain.ErrInvalidInput)
	}
	return g, nil
}

func parseTime(q url.Values, key string) (time.Time, error) {
	raw := q.Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, badParam(key, raw)
	}
	return t, nil
}

func parseState(s string) (lifecycle.State, bool) {
	st := lifecycle.State(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	switch st {
	case lifecycle.StateOpen, lifecycle.StateEscalated, lifecycle.StateConfirmed,
		lifecycle.StateFalsePositive, lifecycle.StateClosed:
		return st, true
	}
	return "", false
}

func badParam(name, value string) error {
	return fmt.Errorf("%w: bad %s %q", domain.ErrInvalidInput, name, value)
}
