package utils

import (
	"math"

	"github.com/twpayne/go-polyline"
)

const (
	// RadiusOfEarthInMeters is the mean earth radius used by every distance in the service.
	RadiusOfEarthInMeters = 6371010.0

	degToRad = math.Pi / 180
)

// LatLon is a WGS84 coordinate.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// CoordinateBounds is a lat/lon bounding box.
type CoordinateBounds struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Distance returns the great-circle distance in meters. Points closer than
// ~0.2 degrees use an equirectangular approximation, which is all the street
// and stop distances in one city ever need.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	if math.Abs(lat2-lat1) < 0.2 && math.Abs(lon2-lon1) < 0.2 {
		x := (lon2 - lon1) * degToRad * math.Cos((lat1+lat2)/2*degToRad)
		y := (lat2 - lat1) * degToRad
		return RadiusOfEarthInMeters * math.Sqrt(x*x+y*y)
	}

	phi1, phi2 := lat1*degToRad, lat2*degToRad
	dLambda := (lon2 - lon1) * degToRad

	y := math.Hypot(math.Cos(phi2)*math.Sin(dLambda),
		math.Cos(phi1)*math.Sin(phi2)-math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda))
	x := math.Sin(phi1)*math.Sin(phi2) + math.Cos(phi1)*math.Cos(phi2)*math.Cos(dLambda)

	return RadiusOfEarthInMeters * math.Atan2(y, x)
}

// DistanceBetween is Distance for two LatLon values.
func DistanceBetween(a, b LatLon) float64 {
	return Distance(a.Lat, a.Lon, b.Lat, b.Lon)
}

// CalculateBounds returns the box extending distance meters around a point.
func CalculateBounds(lat, lon, distance float64) CoordinateBounds {
	latOffset := distance / RadiusOfEarthInMeters / degToRad
	lonOffset := distance / (math.Cos(lat*degToRad) * RadiusOfEarthInMeters) / degToRad

	return CoordinateBounds{
		MinLat: lat - latOffset,
		MaxLat: lat + latOffset,
		MinLon: lon - lonOffset,
		MaxLon: lon + lonOffset,
	}
}

// IsOutOfBounds reports whether inner and outer do not overlap at all.
func IsOutOfBounds(inner, outer CoordinateBounds) bool {
	return inner.MaxLat < outer.MinLat ||
		inner.MinLat > outer.MaxLat ||
		inner.MaxLon < outer.MinLon ||
		inner.MinLon > outer.MaxLon
}

// Contains reports whether the point lies inside b, edges included.
func (b CoordinateBounds) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Bearing returns the initial compass bearing from point 1 to point 2 in degrees [0, 360).
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := lat1*degToRad, lat2*degToRad
	dLambda := (lon2 - lon1) * degToRad

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)

	deg := math.Atan2(y, x) / degToRad
	return math.Mod(deg+360, 360)
}

// AngleDiff returns the absolute difference of two bearings in degrees [0, 180].
func AngleDiff(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// TurnAngle is the heading change at b when travelling a -> b -> c:
// 0 means straight on, 180 means doubling back.
func TurnAngle(a, b, c LatLon) float64 {
	in := Bearing(a.Lat, a.Lon, b.Lat, b.Lon)
	out := Bearing(b.Lat, b.Lon, c.Lat, c.Lon)
	return AngleDiff(in, out)
}

// PolylineLength sums the segment lengths of points in meters.
func PolylineLength(points []LatLon) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += DistanceBetween(points[i-1], points[i])
	}
	return total
}

// EncodePolyline encodes points in the Google polyline format (precision 5).
func EncodePolyline(points []LatLon) string {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Lat, p.Lon}
	}
	return string(polyline.EncodeCoords(coords))
}

// DecodePolyline reverses EncodePolyline.
func DecodePolyline(encoded string) ([]LatLon, error) {
	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, err
	}
	points := make([]LatLon, len(coords))
	for i, c := range coords {
		points[i] = LatLon{Lat: c[0], Lon: c[1]}
	}
	return points, nil
}

// ProjectMeters maps a coordinate onto a local plane (meters east, meters north)
// around refLat. Good enough for nearest-neighbour queries within one city.
func ProjectMeters(lat, lon, refLat float64) (x, y float64) {
	x = lon * degToRad * math.Cos(refLat*degToRad) * RadiusOfEarthInMeters
	y = lat * degToRad * RadiusOfEarthInMeters
	return x, y
}
