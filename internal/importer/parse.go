package importer

import (
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

var dateLayouts = []string{"2006-01-02", "02/01/2006", "2006-01-02T15:04:05Z07:00"}

// parseFloat accepts decimal points and decimal commas. Unparsable or empty
// values yield nil.
func parseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(strings.ReplaceAll(s, " ", ""), ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseInt(s string) *int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		f := parseFloat(s)
		if f == nil || *f != float64(int(*f)) {
			return nil
		}
		v = int(*f)
	}
	return &v
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}

func optString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// parsePoint returns a point only when both coordinates parse and lie within WGS84 bounds.
func parsePoint(lon, lat string) *orb.Point {
	x, y := parseFloat(lon), parseFloat(lat)
	if x == nil || y == nil {
		return nil
	}
	p := orb.Point{*x, *y}
	if p.Lon() < -180 || p.Lon() > 180 || p.Lat() < -90 || p.Lat() > 90 {
		return nil
	}
	return &p
}
