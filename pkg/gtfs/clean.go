package gtfs

import (
	"strings"

	"github.com/travigo/transport-performance/pkg/util"
)

type CleanReport struct {
	Feed              string
	DuplicatesDropped int
	RecordsDropped    int
	FastTripsDropped  int
}

// Clean repairs what Validate reports where a repair exists: duplicate keys
// keep their first row, records pointing at missing parents are dropped,
// times are zero padded and records nothing refers to any more are removed.
// With fastTravel, trips with implausibly fast hops are dropped too.
func (s *FeedSet) Clean(fastTravel bool) []CleanReport {
	reports := make([]CleanReport, 0, len(s.Feeds))
	for _, feed := range s.Feeds {
		reports = append(reports, feed.Clean(fastTravel))
	}

	return reports
}

func (f *Feed) Clean(fastTravel bool) CleanReport {
	report := CleanReport{Feed: f.Name}
	before := len(f.Stops) + len(f.Routes) + len(f.Trips) + len(f.StopTimes)

	seenStops := map[string]bool{}
	util.InPlaceFilter(&f.Stops, func(stop Stop) bool { return firstSeen(seenStops, stop.ID) })
	seenRoutes := map[string]bool{}
	util.InPlaceFilter(&f.Routes, func(route Route) bool { return firstSeen(seenRoutes, route.ID) })
	seenTrips := map[string]bool{}
	util.InPlaceFilter(&f.Trips, func(trip Trip) bool { return firstSeen(seenTrips, trip.ID) })

	type key struct {
		trip     string
		sequence int
	}
	seenStopTimes := map[key]bool{}
	util.InPlaceFilter(&f.StopTimes, func(stopTime StopTime) bool {
		k := key{stopTime.TripID, stopTime.StopSequence}
		if seenStopTimes[k] {
			return false
		}
		seenStopTimes[k] = true
		return true
	})

	report.DuplicatesDropped = before - (len(f.Stops) + len(f.Routes) + len(f.Trips) + len(f.StopTimes))

	for i := range f.StopTimes {
		f.StopTimes[i].ArrivalTime = padTime(f.StopTimes[i].ArrivalTime)
		f.StopTimes[i].DepartureTime = padTime(f.StopTimes[i].DepartureTime)
	}
	for i := range f.Routes {
		f.Routes[i].ShortName = strings.TrimSpace(f.Routes[i].ShortName)
	}

	before = len(f.Trips) + len(f.StopTimes)

	services := f.serviceIDs()
	keep := map[string]bool{}
	for _, trip := range f.Trips {
		if seenRoutes[trip.RouteID] && services[trip.ServiceID] {
			keep[trip.ID] = true
		}
	}

	withStopTimes := map[string]bool{}
	for _, stopTime := range f.StopTimes {
		if !seenStops[stopTime.StopID] || !timesValid(stopTime) {
			continue
		}
		withStopTimes[stopTime.TripID] = true
	}
	for id := range keep {
		if !withStopTimes[id] {
			delete(keep, id)
		}
	}

	util.InPlaceFilter(&f.StopTimes, func(stopTime StopTime) bool {
		return seenStops[stopTime.StopID] && timesValid(stopTime)
	})

	if fastTravel {
		for id := range f.fastTravelTrips() {
			if keep[id] {
				delete(keep, id)
				report.FastTripsDropped++
			}
		}
	}

	f.restrictToTrips(keep)
	report.RecordsDropped = before - (len(f.Trips) + len(f.StopTimes))

	return report
}

func timesValid(stopTime StopTime) bool {
	for _, value := range []string{stopTime.ArrivalTime, stopTime.DepartureTime} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, ok := parseTime(value); !ok {
			return false
		}
	}

	return true
}

func firstSeen(seen map[string]bool, id string) bool {
	if seen[id] {
		return false
	}
	seen[id] = true

	return true
}
