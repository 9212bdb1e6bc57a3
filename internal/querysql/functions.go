package querysql

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/text/cases"
)

// folder is stateless and safe for concurrent use.
var folder = cases.Fold()

// EarthRadiusKM is the sphere radius used for distance filters.
const EarthRadiusKM = 6373.0

// RegisterFunctions installs the SQL functions compiled queries call:
//
//	icontains(haystack, needle)          case-insensitive substring, 0/1
//	geo_distance_km(pos, lat, lon)       haversine distance from a stored
//	                                     [lon, lat] pair, NULL if malformed
//
// It is meant for a sqlite3.SQLiteDriver ConnectHook.
func RegisterFunctions(conn *sqlite3.SQLiteConn) error {
	if err := conn.RegisterFunc("icontains", icontains, true); err != nil {
		return err
	}
	return conn.RegisterFunc("geo_distance_km", geoDistanceKM, true)
}

func icontains(haystack, needle any) int64 {
	h, ok := text(haystack)
	if !ok {
		return 0
	}
	n, ok := text(needle)
	if !ok {
		return 0
	}
	if ContainsFold(h, n) {
		return 1
	}
	return 0
}

// ContainsFold reports whether needle occurs in haystack under Unicode case
// folding.
func ContainsFold(haystack, needle string) bool {
	return strings.Contains(folder.String(haystack), folder.String(needle))
}

func geoDistanceKM(pos any, lat, lon float64) any {
	raw, ok := text(pos)
	if !ok {
		return nil
	}
	var pair []float64
	if err := json.Unmarshal([]byte(raw), &pair); err != nil || len(pair) != 2 {
		return nil
	}
	return Haversine(pair[1], pair[0], lat, lon)
}

// Haversine returns the great-circle distance in km between two points given
// in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusKM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func text(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return "", false
}
