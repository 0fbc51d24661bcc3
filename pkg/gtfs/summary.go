package gtfs

import (
	"fmt"
	"math"
	"os"
	"slices"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/paulmach/orb/geo"
	"golang.org/x/exp/maps"
)

// RouteType names a GTFS route_type for summaries.
type RouteType struct {
	Type        int    `csv:"route_type"`
	Description string `csv:"desc"`
}

var defaultRouteTypes = []RouteType{
	{0, "Tram, Streetcar, Light rail"},
	{1, "Subway, Metro"},
	{2, "Rail"},
	{3, "Bus"},
	{4, "Ferry"},
	{5, "Cable tram"},
	{6, "Aerial lift, suspended cable car"},
	{7, "Funicular"},
	{11, "Trolleybus"},
	{12, "Monorail"},
	{100, "Railway Service"},
	{200, "Coach Service"},
	{700, "Bus Service"},
	{900, "Tram Service"},
	{1000, "Water Transport Service"},
}

// LoadRouteLookup reads a route type lookup CSV with route_type and desc
// columns. An empty path returns the built in GTFS route types.
func LoadRouteLookup(path string) (map[int]string, error) {
	types := defaultRouteTypes

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()

		types = nil
		if err := gocsv.Unmarshal(file, &types); err != nil {
			return nil, fmt.Errorf("parse route lookup %s: %w", path, err)
		}
	}

	lookup := make(map[int]string, len(types))
	for _, routeType := range types {
		lookup[routeType.Type] = routeType.Description
	}

	return lookup, nil
}

// Units converts metres into the unit configured for summaries.
type Units string

const (
	Kilometres Units = "km"
	Metres     Units = "m"
	Miles      Units = "mi"
)

func (u Units) FromMetres(metres float64) float64 {
	switch u {
	case Kilometres:
		return metres / 1000
	case Miles:
		return metres / 1609.344
	}

	return metres
}

// Summary describes the daily count of routes or trips of one route type on
// one day of the week over the service period.
type Summary struct {
	RouteType   int     `csv:"route_type"`
	Description string  `csv:"route_type_desc"`
	Day         string  `csv:"day"`
	Min         int     `csv:"min"`
	Max         int     `csv:"max"`
	Mean        float64 `csv:"mean"`
	Median      float64 `csv:"median"`
	Distance    float64 `csv:"mean_distance"`
}

// SummariseRoutes counts distinct routes in service per route type and day of week.
func (s *FeedSet) SummariseRoutes(lookup map[int]string, units Units) ([]Summary, error) {
	return s.summarise(lookup, units, func(trip Trip) string { return trip.RouteID })
}

// SummariseTrips counts trips in service per route type and day of week. The
// distance column is the mean trip length in units.
func (s *FeedSet) SummariseTrips(lookup map[int]string, units Units) ([]Summary, error) {
	return s.summarise(lookup, units, func(trip Trip) string { return trip.ID })
}

func (s *FeedSet) summarise(lookup map[int]string, units Units, countKey func(Trip) string) ([]Summary, error) {
	start, end, ok := s.ServiceDateRange()
	if !ok {
		return nil, fmt.Errorf("feeds carry no calendar information to summarise")
	}

	type group struct {
		routeType int
		day       time.Weekday
	}
	counts := map[group][]int{}
	distances := map[group][]float64{}

	for _, feed := range s.Feeds {
		routeTypes := map[string]int{}
		for _, route := range feed.Routes {
			routeTypes[route.ID] = route.Type
		}
		lengths := feed.tripLengths()

		for date := start; !date.After(end); date = date.AddDate(0, 0, 1) {
			services := feed.ActiveServices(date)

			daily := map[int]map[string]bool{}
			for _, trip := range feed.Trips {
				if !services[trip.ServiceID] {
					continue
				}
				routeType := routeTypes[trip.RouteID]
				if daily[routeType] == nil {
					daily[routeType] = map[string]bool{}
				}
				daily[routeType][countKey(trip)] = true

				g := group{routeType, date.Weekday()}
				distances[g] = append(distances[g], lengths[trip.ID])
			}

			for routeType, keys := range daily {
				g := group{routeType, date.Weekday()}
				counts[g] = append(counts[g], len(keys))
			}
		}
	}

	groups := maps.Keys(counts)
	slices.SortFunc(groups, func(a, b group) int {
		if a.routeType != b.routeType {
			return a.routeType - b.routeType
		}
		return weekdayIndex(a.day) - weekdayIndex(b.day)
	})

	summaries := make([]Summary, 0, len(groups))
	for _, g := range groups {
		values := counts[g]
		slices.Sort(values)

		total := 0
		for _, value := range values {
			total += value
		}

		summaries = append(summaries, Summary{
			RouteType:   g.routeType,
			Description: lookup[g.routeType],
			Day:         g.day.String(),
			Min:         values[0],
			Max:         values[len(values)-1],
			Mean:        float64(total) / float64(len(values)),
			Median:      median(values),
			Distance:    units.FromMetres(mean(distances[g])),
		})
	}

	return summaries, nil
}

// weekdayIndex orders Monday first.
func weekdayIndex(day time.Weekday) int {
	return (int(day) + 6) % 7
}

func median(sorted []int) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}

	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}

	total := 0.0
	for _, value := range values {
		total += value
	}

	return total / float64(len(values))
}

// tripLengths sums the straight line distance in metres between consecutive stops.
func (f *Feed) tripLengths() map[string]float64 {
	locations := f.stopLocations()

	lengths := map[string]float64{}
	for tripID, stopTimes := range f.tripStopTimes() {
		for i := 1; i < len(stopTimes); i++ {
			from, ok1 := locations[stopTimes[i-1].StopID]
			to, ok2 := locations[stopTimes[i].StopID]
			if ok1 && ok2 {
				lengths[tripID] += geo.Distance(from, to)
			}
		}
	}

	return lengths
}
