package gtfs

import (
	"time"

	"github.com/paulmach/orb"
	iso8601 "github.com/senseyeio/duration"
	"github.com/travigo/transport-performance/pkg/util"
)

// restrictToTrips keeps the given trips and every record they depend on.
// Stop times of kept trips are retained in full.
func (f *Feed) restrictToTrips(keep map[string]bool) {
	util.InPlaceFilter(&f.Trips, func(trip Trip) bool { return keep[trip.ID] })
	util.InPlaceFilter(&f.StopTimes, func(stopTime StopTime) bool { return keep[stopTime.TripID] })
	util.InPlaceFilter(&f.Frequencies, func(frequency Frequency) bool { return keep[frequency.TripID] })

	routes := map[string]bool{}
	services := map[string]bool{}
	shapes := map[string]bool{}
	for _, trip := range f.Trips {
		routes[trip.RouteID] = true
		services[trip.ServiceID] = true
		if trip.ShapeID != "" {
			shapes[trip.ShapeID] = true
		}
	}

	stops := map[string]bool{}
	for _, stopTime := range f.StopTimes {
		stops[stopTime.StopID] = true
	}
	parents := map[string]bool{}
	for _, stop := range f.Stops {
		if stops[stop.ID] && stop.Parent != "" {
			parents[stop.Parent] = true
		}
	}

	util.InPlaceFilter(&f.Routes, func(route Route) bool { return routes[route.ID] })
	util.InPlaceFilter(&f.Stops, func(stop Stop) bool { return stops[stop.ID] || parents[stop.ID] })
	util.InPlaceFilter(&f.Calendars, func(calendar Calendar) bool { return services[calendar.ServiceID] })
	util.InPlaceFilter(&f.CalendarDates, func(calendarDate CalendarDate) bool { return services[calendarDate.ServiceID] })
	util.InPlaceFilter(&f.Shapes, func(shape Shape) bool { return shapes[shape.ID] })

	agencies := map[string]bool{}
	for _, route := range f.Routes {
		agencies[route.AgencyID] = true
	}
	if len(f.Agencies) > 1 {
		util.InPlaceFilter(&f.Agencies, func(agency Agency) bool { return agencies[agency.ID] })
	}
}

// FilterToBBox keeps trips that call at least once inside bound (WGS84
// lon/lat). With deleteEmpty, feeds left without stop times are removed and
// their names returned.
func (s *FeedSet) FilterToBBox(bound orb.Bound, deleteEmpty bool) []string {
	for _, feed := range s.Feeds {
		inside := map[string]bool{}
		for _, stop := range feed.Stops {
			if bound.Contains(orb.Point{stop.Longitude, stop.Latitude}) {
				inside[stop.ID] = true
			}
		}

		keep := map[string]bool{}
		for _, stopTime := range feed.StopTimes {
			if inside[stopTime.StopID] {
				keep[stopTime.TripID] = true
			}
		}

		feed.restrictToTrips(keep)
	}

	if deleteEmpty {
		return s.dropEmpty()
	}

	return nil
}

// ActiveServices returns the service ids running on date, applying calendar
// date exceptions on top of the weekly calendar.
func (f *Feed) ActiveServices(date time.Time) map[string]bool {
	active := map[string]bool{}
	day := util.FormatDate(date)

	for _, calendar := range f.Calendars {
		if calendar.Start <= day && day <= calendar.End && calendar.RunsOn(date.Weekday()) {
			active[calendar.ServiceID] = true
		}
	}

	for _, calendarDate := range f.CalendarDates {
		if calendarDate.Date != day {
			continue
		}

		switch calendarDate.ExceptionType {
		case ExceptionAdded:
			active[calendarDate.ServiceID] = true
		case ExceptionRemoved:
			delete(active, calendarDate.ServiceID)
		}
	}

	return active
}

// FilterToDate keeps only trips running on date.
func (s *FeedSet) FilterToDate(date time.Time, deleteEmpty bool) []string {
	for _, feed := range s.Feeds {
		services := feed.ActiveServices(date)

		keep := map[string]bool{}
		for _, trip := range feed.Trips {
			if services[trip.ServiceID] {
				keep[trip.ID] = true
			}
		}

		feed.restrictToTrips(keep)

		day := util.FormatDate(date)
		util.InPlaceFilter(&feed.CalendarDates, func(calendarDate CalendarDate) bool { return calendarDate.Date == day })
	}

	if deleteEmpty {
		return s.dropEmpty()
	}

	return nil
}

// ServiceDateRange returns the earliest and latest dates any feed provides
// service for. ok is false when no feed carries calendar information.
func (s *FeedSet) ServiceDateRange() (start time.Time, end time.Time, ok bool) {
	var dates []string
	for _, feed := range s.Feeds {
		for _, calendar := range feed.Calendars {
			dates = append(dates, calendar.Start, calendar.End)
		}
		for _, calendarDate := range feed.CalendarDates {
			if calendarDate.ExceptionType == ExceptionAdded {
				dates = append(dates, calendarDate.Date)
			}
		}
	}

	first, last := "", ""
	for _, date := range dates {
		if _, err := util.ParseDate(date); err != nil {
			continue
		}
		if first == "" || date < first {
			first = date
		}
		if last == "" || date > last {
			last = date
		}
	}
	if first == "" {
		return time.Time{}, time.Time{}, false
	}

	start, _ = util.ParseDate(first)
	end, _ = util.ParseDate(last)

	return start, end, true
}

// SynthesiseCalendars gives feeds without a calendar table one all-zero
// weekly calendar row per service, spanning the day either side of date.
// Services then run only through their calendar date exceptions. The names
// of the feeds that were changed are returned.
func (s *FeedSet) SynthesiseCalendars(date time.Time) []string {
	oneDay, _ := iso8601.ParseISO8601("P1D")
	start := util.FormatDate(date.AddDate(0, 0, -1))
	end := util.FormatDate(oneDay.Shift(date))

	var changed []string
	for _, feed := range s.Feeds {
		if len(feed.Calendars) > 0 {
			continue
		}

		var services []string
		for _, trip := range feed.Trips {
			services = append(services, trip.ServiceID)
		}
		for _, calendarDate := range feed.CalendarDates {
			services = append(services, calendarDate.ServiceID)
		}

		for _, service := range util.Unique(services) {
			feed.Calendars = append(feed.Calendars, Calendar{
				ServiceID: service,
				Start:     start,
				End:       end,
			})
		}
		changed = append(changed, feed.Name)
	}

	return changed
}
