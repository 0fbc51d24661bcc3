package geo

import (
	"math"

	"github.com/wroge/wgs84"
)

const degrees = math.Pi / 180

// mollweide is World Mollweide (ESRI:54009) on a sphere of the datum's
// semi-major axis, as used by the GHS-POP and GHS-SMOD rasters. It plugs into
// wgs84 as a projection so datum handling stays in the library.
type mollweide struct{}

func (mollweide) FromLonLat(lon, lat float64, s wgs84.Spheroid) (east, north float64) {
	radius := s.A()
	lambda := lon * degrees
	phi := lat * degrees

	theta := phi
	if math.Abs(math.Abs(phi)-math.Pi/2) > 1e-12 {
		target := math.Pi * math.Sin(phi)
		for i := 0; i < 100; i++ {
			derivative := 2 + 2*math.Cos(2*theta)
			if derivative < 1e-15 {
				break
			}
			step := (2*theta + math.Sin(2*theta) - target) / derivative
			theta -= step
			if math.Abs(step) < 1e-13 {
				break
			}
		}
	}

	return 2 * math.Sqrt2 / math.Pi * radius * lambda * math.Cos(theta),
		math.Sqrt2 * radius * math.Sin(theta)
}

func (mollweide) ToLonLat(east, north float64, s wgs84.Spheroid) (lon, lat float64) {
	radius := s.A()
	ratio := north / (math.Sqrt2 * radius)
	if math.Abs(ratio) > 1 {
		return math.NaN(), math.NaN()
	}

	theta := math.Asin(ratio)
	phi := math.Asin((2*theta + math.Sin(2*theta)) / math.Pi)

	lambda := 0.0
	if cosTheta := math.Cos(theta); cosTheta > 1e-15 {
		lambda = math.Pi * east / (2 * math.Sqrt2 * radius * cosTheta)
	}
	if math.Abs(lambda) > math.Pi+1e-9 {
		return math.NaN(), math.NaN()
	}

	return lambda / degrees, phi / degrees
}
