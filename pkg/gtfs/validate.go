package gtfs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

const (
	CheckError   = "error"
	CheckWarning = "warning"
)

type ValidityCheck struct {
	Feed    string `csv:"feed"`
	Type    string `csv:"type"`
	Message string `csv:"message"`
	Table   string `csv:"table"`
	Rows    int    `csv:"rows"`
}

// maxSpeeds caps plausible travel speed in km/h between consecutive stops by
// route type.
var maxSpeeds = map[int]float64{
	0:  100,
	1:  150,
	2:  500,
	3:  150,
	4:  80,
	5:  30,
	6:  50,
	7:  50,
	11: 150,
	12: 150,
}

const defaultMaxSpeed = 200

func maxSpeed(routeType int) float64 {
	if speed, exists := maxSpeeds[routeType]; exists {
		return speed
	}
	// Extended route types group by hundreds, eg. 700 bus, 100 rail.
	switch routeType / 100 {
	case 1:
		return maxSpeeds[2]
	case 2, 7:
		return maxSpeeds[3]
	case 9:
		return maxSpeeds[0]
	case 10, 12:
		return maxSpeeds[4]
	}

	return defaultMaxSpeed
}

// parseTime converts an HH:MM:SS stop time, which may run past 24:00:00, to
// seconds after midnight.
func parseTime(value string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 3 {
		return 0, false
	}

	seconds := 0
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || (i > 0 && n > 59) {
			return 0, false
		}
		seconds = seconds*60 + n
	}

	return seconds, true
}

// padTime rewrites H:MM:SS as HH:MM:SS.
func padTime(value string) string {
	value = strings.TrimSpace(value)
	if len(value) == 7 && value[1] == ':' {
		return "0" + value
	}

	return value
}

// Validate reports structural problems of every feed. Fast travel checks walk
// all stop times and are only run when fastTravel is set.
func (s *FeedSet) Validate(fastTravel bool) []ValidityCheck {
	var checks []ValidityCheck
	for _, feed := range s.Feeds {
		checks = append(checks, feed.Validate(fastTravel)...)
	}

	return checks
}

func (f *Feed) Validate(fastTravel bool) []ValidityCheck {
	var checks []ValidityCheck
	add := func(kind string, message string, table string, rows int) {
		if rows > 0 {
			checks = append(checks, ValidityCheck{Feed: f.Name, Type: kind, Message: message, Table: table, Rows: rows})
		}
	}

	for _, table := range requiredTables {
		if tableLen(f.tables()[table]) == 0 {
			add(CheckError, "Missing table", table, 1)
		}
	}
	if len(f.Calendars) == 0 && len(f.CalendarDates) == 0 {
		add(CheckError, "Missing calendar and calendar_dates", "calendar.txt", 1)
	}

	stops := map[string]bool{}
	duplicateStops, missingCoordinates := 0, 0
	for _, stop := range f.Stops {
		if stops[stop.ID] {
			duplicateStops++
		}
		stops[stop.ID] = true
		if stop.Latitude == 0 && stop.Longitude == 0 && stop.Type != "3" && stop.Type != "4" {
			missingCoordinates++
		}
	}
	add(CheckError, "Repeated stop_id", "stops.txt", duplicateStops)
	add(CheckWarning, "Stop without coordinates", "stops.txt", missingCoordinates)

	routes := map[string]bool{}
	duplicateRoutes := 0
	for _, route := range f.Routes {
		if routes[route.ID] {
			duplicateRoutes++
		}
		routes[route.ID] = true
	}
	add(CheckError, "Repeated route_id", "routes.txt", duplicateRoutes)

	services := f.serviceIDs()
	trips := map[string]bool{}
	duplicateTrips, undefinedRoutes, undefinedServices := 0, 0, 0
	for _, trip := range f.Trips {
		if trips[trip.ID] {
			duplicateTrips++
		}
		trips[trip.ID] = true
		if !routes[trip.RouteID] {
			undefinedRoutes++
		}
		if !services[trip.ServiceID] {
			undefinedServices++
		}
	}
	add(CheckError, "Repeated trip_id", "trips.txt", duplicateTrips)
	add(CheckError, "Undefined route_id", "trips.txt", undefinedRoutes)
	add(CheckError, "Undefined service_id", "trips.txt", undefinedServices)

	type key struct {
		trip     string
		sequence int
	}
	sequences := map[key]bool{}
	stopTimesPerTrip := map[string]int{}
	duplicateStopTimes, undefinedTrips, undefinedStops, invalidTimes := 0, 0, 0, 0
	for _, stopTime := range f.StopTimes {
		k := key{stopTime.TripID, stopTime.StopSequence}
		if sequences[k] {
			duplicateStopTimes++
		}
		sequences[k] = true
		stopTimesPerTrip[stopTime.TripID]++

		if !trips[stopTime.TripID] {
			undefinedTrips++
		}
		if !stops[stopTime.StopID] {
			undefinedStops++
		}
		for _, value := range []string{stopTime.ArrivalTime, stopTime.DepartureTime} {
			if strings.TrimSpace(value) == "" {
				continue
			}
			if _, ok := parseTime(value); !ok {
				invalidTimes++
				break
			}
		}
	}
	add(CheckError, "Repeated pair (trip_id, stop_sequence)", "stop_times.txt", duplicateStopTimes)
	add(CheckError, "Undefined trip_id", "stop_times.txt", undefinedTrips)
	add(CheckError, "Undefined stop_id", "stop_times.txt", undefinedStops)
	add(CheckError, "Invalid time", "stop_times.txt", invalidTimes)

	shortTrips := 0
	for id := range trips {
		if stopTimesPerTrip[id] < 2 {
			shortTrips++
		}
	}
	add(CheckWarning, "Trip has fewer than two stop times", "trips.txt", shortTrips)

	if fastTravel {
		add(CheckWarning, "Fast Travel Between Consecutive Stops", "stop_times.txt", len(f.fastTravelTrips()))
	}

	return checks
}

func (f *Feed) serviceIDs() map[string]bool {
	services := map[string]bool{}
	for _, calendar := range f.Calendars {
		services[calendar.ServiceID] = true
	}
	for _, calendarDate := range f.CalendarDates {
		services[calendarDate.ServiceID] = true
	}

	return services
}

// tripStopTimes groups stop times by trip in stop sequence order.
func (f *Feed) tripStopTimes() map[string][]StopTime {
	grouped := map[string][]StopTime{}
	for _, stopTime := range f.StopTimes {
		grouped[stopTime.TripID] = append(grouped[stopTime.TripID], stopTime)
	}
	for _, stopTimes := range grouped {
		sortStopTimes(stopTimes)
	}

	return grouped
}

func sortStopTimes(stopTimes []StopTime) {
	sort.SliceStable(stopTimes, func(i, j int) bool {
		return stopTimes[i].StopSequence < stopTimes[j].StopSequence
	})
}

func (f *Feed) stopLocations() map[string]orb.Point {
	locations := make(map[string]orb.Point, len(f.Stops))
	for _, stop := range f.Stops {
		locations[stop.ID] = orb.Point{stop.Longitude, stop.Latitude}
	}

	return locations
}

// fastTravelTrips returns trips with at least one hop between consecutive
// stops faster than their route type allows.
func (f *Feed) fastTravelTrips() map[string]bool {
	routeTypes := map[string]int{}
	for _, route := range f.Routes {
		routeTypes[route.ID] = route.Type
	}
	tripRoutes := map[string]string{}
	for _, trip := range f.Trips {
		tripRoutes[trip.ID] = trip.RouteID
	}
	locations := f.stopLocations()

	fast := map[string]bool{}
	for tripID, stopTimes := range f.tripStopTimes() {
		limit := maxSpeed(routeTypes[tripRoutes[tripID]])

		for i := 1; i < len(stopTimes); i++ {
			from, to := stopTimes[i-1], stopTimes[i]

			departure, ok1 := parseTime(from.DepartureTime)
			arrival, ok2 := parseTime(to.ArrivalTime)
			if !ok1 || !ok2 {
				continue
			}

			origin, ok1 := locations[from.StopID]
			destination, ok2 := locations[to.StopID]
			if !ok1 || !ok2 {
				continue
			}

			metres := geo.Distance(origin, destination)
			seconds := arrival - departure
			if seconds <= 0 {
				// Same minute departures are common in timetables; allow a minute.
				seconds = 60
			}

			if metres/1000/(float64(seconds)/3600) > limit {
				fast[tripID] = true
				break
			}
		}
	}

	return fast
}

func (c ValidityCheck) String() string {
	return fmt.Sprintf("%s %s: %s (%s, %d rows)", c.Feed, c.Type, c.Message, c.Table, c.Rows)
}
