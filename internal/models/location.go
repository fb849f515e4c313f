package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Location is a latitude/longitude pair decoded from a message's location text.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ParseLocation decodes "lat,lng". It reports false unless s holds exactly two
// comma-separated finite decimal numbers.
func ParseLocation(s string) (Location, bool) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return Location{}, false
	}
	lat, ok := parseCoord(parts[0])
	if !ok {
		return Location{}, false
	}
	lng, ok := parseCoord(parts[1])
	if !ok {
		return Location{}, false
	}
	return Location{Lat: lat, Lng: lng}, true
}

func parseCoord(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	// ParseFloat also takes hex floats; pods report decimal only.
	digits := strings.TrimLeft(s, "+-")
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// String renders the pair the way pods report it.
func (l Location) String() string {
	return strconv.FormatFloat(l.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(l.Lng, 'f', -1, 64)
}

// MapURL links to the location on Google Maps.
func (l Location) MapURL() string {
	return fmt.Sprintf("https://maps.google.com/?q=%s", l.String())
}
