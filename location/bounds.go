package location

import "math"

// Destination returns the coordinate reached by travelling distance meters from c
// along the great circle with the initial bearing, given in degrees clockwise from north.
func (c Coordinate) Destination(bearing, distance float64) Coordinate {
	lat := radians(c.Latitude)
	lon := radians(c.Longitude)
	theta := radians(bearing)
	delta := distance / earthRadius

	destLat := math.Asin(math.Sin(lat)*math.Cos(delta) +
		math.Cos(lat)*math.Sin(delta)*math.Cos(theta))

	destLon := lon + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(lat),
		math.Cos(delta)-math.Sin(lat)*math.Sin(destLat),
	)

	return Coordinate{
		Latitude:  degrees(destLat),
		Longitude: normalizeLongitude(degrees(destLon)),
	}
}

// BoundingBox is a latitude and longitude range. MinLongitude is greater than
// MaxLongitude when the box crosses the antimeridian.
type BoundingBox struct {
	MinLatitude  float64
	MaxLatitude  float64
	MinLongitude float64
	MaxLongitude float64
}

// BoundingBox returns the box enclosing every coordinate at most radius meters
// away from c. The box is a cheap pre filter, use Within for the exact test.
func (c Coordinate) BoundingBox(radius float64) BoundingBox {
	reach := degrees(radius / earthRadius)

	box := BoundingBox{
		MinLatitude:  c.Latitude - reach,
		MaxLatitude:  c.Latitude + reach,
		MinLongitude: -180,
		MaxLongitude: 180,
	}

	// a box touching a pole spans all longitudes
	if box.MinLatitude <= -90 || box.MaxLatitude >= 90 {
		box.MinLatitude = max(box.MinLatitude, -90)
		box.MaxLatitude = min(box.MaxLatitude, 90)
		return box
	}

	// the widest longitude is reached where the great circle through the
	// destination at 90 degrees bearing touches the circle
	dLon := math.Asin(math.Sin(radius/earthRadius) / math.Cos(radians(c.Latitude)))
	if math.IsNaN(dLon) || degrees(dLon) >= 180 {
		return box
	}

	box.MinLongitude = normalizeLongitude(c.Longitude - degrees(dLon))
	box.MaxLongitude = normalizeLongitude(c.Longitude + degrees(dLon))
	return box
}

// Contains reports whether c lies within the box, borders included.
func (b BoundingBox) Contains(c Coordinate) bool {
	if c.Latitude < b.MinLatitude || c.Latitude > b.MaxLatitude {
		return false
	}

	if b.MinLongitude <= b.MaxLongitude {
		return c.Longitude >= b.MinLongitude && c.Longitude <= b.MaxLongitude
	}

	return c.Longitude >= b.MinLongitude || c.Longitude <= b.MaxLongitude
}

func degrees(radians float64) float64 {
	return radians * 180 / math.Pi
}

// normalizeLongitude maps lon into [-180, 180).
func normalizeLongitude(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}

	return lon - 180
}
