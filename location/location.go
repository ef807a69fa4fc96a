// Package location holds the geographic value types that are persisted as keyed
// archives: countries, cities, coordinates and postal addresses.
package location

import (
	"fmt"
	"math"
)

// earthRadius is the mean radius of the earth in meters.
const earthRadius = 6371008.8

type Country struct {
	Name string `validate:"required"`
	ISO  string `validate:"required,iso3166_1_alpha2"`
}

func (c Country) String() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.ISO)
}

// Equal compares countries by their ISO code.
func (c Country) Equal(other Country) bool {
	return c.ISO == other.ISO
}

type City struct {
	Name    string  `validate:"required"`
	Country Country `validate:"required"`
}

func (c City) String() string {
	return fmt.Sprintf("%s, %s", c.Name, c.Country)
}

func (c City) Equal(other City) bool {
	return c.Name == other.Name && c.Country.Equal(other.Country)
}

// Coordinate is a WGS 84 position in degrees.
type Coordinate struct {
	Latitude  float64 `validate:"latitude"`
	Longitude float64 `validate:"longitude"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}

// Distance returns the great circle distance to other in meters.
func (c Coordinate) Distance(other Coordinate) float64 {
	lat1 := radians(c.Latitude)
	lat2 := radians(other.Latitude)
	dLat := lat2 - lat1
	dLon := radians(other.Longitude - c.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Within reports whether other is at most precision meters away.
func (c Coordinate) Within(other Coordinate, precision float64) bool {
	return c.Distance(other) <= precision
}

func radians(degrees float64) float64 {
	return degrees * math.Pi / 180
}
