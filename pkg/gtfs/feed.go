// Package gtfs loads, filters, validates and saves sets of GTFS schedule feeds.
package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
)

var ErrNoFeeds = errors.New("no GTFS feeds found")

type Schedule struct {
	Agencies      []Agency
	Stops         []Stop
	Routes        []Route
	Trips         []Trip
	StopTimes     []StopTime
	Calendars     []Calendar
	CalendarDates []CalendarDate
	Frequencies   []Frequency
	Shapes        []Shape
}

func (s *Schedule) tables() map[string]interface{} {
	return map[string]interface{}{
		"agency.txt":         &s.Agencies,
		"stops.txt":          &s.Stops,
		"routes.txt":         &s.Routes,
		"trips.txt":          &s.Trips,
		"stop_times.txt":     &s.StopTimes,
		"calendar.txt":       &s.Calendars,
		"calendar_dates.txt": &s.CalendarDates,
		"frequencies.txt":    &s.Frequencies,
		"shapes.txt":         &s.Shapes,
	}
}

// requiredTables are written even when empty so saved feeds stay loadable.
var requiredTables = []string{"agency.txt", "stops.txt", "routes.txt", "trips.txt", "stop_times.txt"}

// Feed is one GTFS archive, named after its file.
type Feed struct {
	Name   string
	Path   string
	Schedule
}

// FeedSet holds every feed of a run. Operations apply to each feed in turn.
type FeedSet struct {
	Feeds []*Feed
}

// Close drops every loaded table. The set is empty afterwards.
func (s *FeedSet) Close() error {
	s.Feeds = nil
	return nil
}

func init() {
	// Allow us to ignore those naughty records that have missing columns
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		r := csv.NewReader(in)
		r.FieldsPerRecord = -1
		r.LazyQuotes = true
		return r
	})
}

// LoadFeedSet loads every zip archive matching pattern.
func LoadFeedSet(pattern string) (*FeedSet, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFeeds, pattern)
	}
	sort.Strings(paths)

	set := &FeedSet{}
	for _, path := range paths {
		feed, err := LoadFeed(path)
		if err != nil {
			return nil, err
		}
		set.Feeds = append(set.Feeds, feed)
	}

	return set, nil
}

func LoadFeed(path string) (*Feed, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer archive.Close()

	feed := &Feed{
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path: path,
	}
	tables := feed.tables()

	for _, zipFile := range archive.File {
		destination, exists := tables[filepath.Base(zipFile.Name)]
		if !exists {
			continue
		}

		if err := unmarshalZipFile(zipFile, destination); err != nil {
			return nil, fmt.Errorf("%s: parse %s: %w", feed.Name, zipFile.Name, err)
		}
	}

	return feed, nil
}

func unmarshalZipFile(zipFile *zip.File, destination interface{}) error {
	reader, err := zipFile.Open()
	if err != nil {
		return err
	}
	defer reader.Close()

	return gocsv.Unmarshal(reader, destination)
}

// Save writes the feed as a zip archive into dir and returns its path.
func (f *Feed) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, f.Name+".zip")
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	archive := zip.NewWriter(file)
	tables := f.tables()

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if tableLen(tables[name]) == 0 && !isRequired(name) {
			continue
		}

		writer, err := archive.Create(name)
		if err != nil {
			return "", err
		}
		if err := gocsv.Marshal(tables[name], writer); err != nil {
			return "", fmt.Errorf("%s: write %s: %w", f.Name, name, err)
		}
	}

	if err := archive.Close(); err != nil {
		return "", err
	}

	return path, file.Close()
}

// Save writes every feed into dir.
func (s *FeedSet) Save(dir string) ([]string, error) {
	var paths []string
	for _, feed := range s.Feeds {
		path, err := feed.Save(dir)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}

	return paths, nil
}

func isRequired(name string) bool {
	for _, required := range requiredTables {
		if required == name {
			return true
		}
	}

	return false
}

func tableLen(table interface{}) int {
	switch t := table.(type) {
	case *[]Agency:
		return len(*t)
	case *[]Stop:
		return len(*t)
	case *[]Route:
		return len(*t)
	case *[]Trip:
		return len(*t)
	case *[]StopTime:
		return len(*t)
	case *[]Calendar:
		return len(*t)
	case *[]CalendarDate:
		return len(*t)
	case *[]Frequency:
		return len(*t)
	case *[]Shape:
		return len(*t)
	}

	return 0
}

// Names lists the feed names in load order.
func (s *FeedSet) Names() []string {
	names := make([]string, 0, len(s.Feeds))
	for _, feed := range s.Feeds {
		names = append(names, feed.Name)
	}

	return names
}

// dropEmpty removes feeds without any stop times and returns their names.
func (s *FeedSet) dropEmpty() []string {
	var dropped []string

	kept := s.Feeds[:0]
	for _, feed := range s.Feeds {
		if len(feed.StopTimes) == 0 {
			dropped = append(dropped, feed.Name)
			continue
		}
		kept = append(kept, feed)
	}
	s.Feeds = kept

	return dropped
}
