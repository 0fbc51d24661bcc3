package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

const DefaultSegments = 64

// Circle returns a ring of the given radius in metres around a WGS84 point.
// Every vertex is exactly radius metres from center on the sphere.
func Circle(center orb.Point, radius float64, segments int) orb.Ring {
	if segments < 8 {
		segments = DefaultSegments
	}

	ring := make(orb.Ring, 0, segments+1)
	for i := 0; i < segments; i++ {
		bearing := 360 * float64(i) / float64(segments)
		ring = append(ring, orbgeo.PointAtBearingAndDistance(center, bearing, radius))
	}
	ring = append(ring, ring[0])

	return ring
}

// BufferIn builds the circle in a planar crs and returns it in WGS84. Use it
// when a run wants the buffer computed in a specific national grid.
func BufferIn(center orb.Point, crs CRS, radius float64, segments int) (orb.Ring, error) {
	if crs.Geographic() {
		return nil, fmt.Errorf("cannot buffer by metres in geographic crs %s", crs)
	}
	if segments < 8 {
		segments = DefaultSegments
	}

	planarCenter, err := ReprojectPoint(center, WGS84, crs)
	if err != nil {
		return nil, err
	}

	ring := make(orb.Ring, 0, segments+1)
	for i := 0; i < segments; i++ {
		angle := 2 * math.Pi * float64(i) / float64(segments)
		ring = append(ring, orb.Point{
			planarCenter[0] + radius*math.Cos(angle),
			planarCenter[1] + radius*math.Sin(angle),
		})
	}
	ring = append(ring, ring[0])

	projected, err := Reproject(ring, crs, WGS84)
	if err != nil {
		return nil, err
	}

	return projected.(orb.Ring), nil
}
