// Package osm cuts OpenStreetMap extracts down to a bounding box and a tag
// allow-list.
package osm

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"github.com/rs/zerolog"
)

const generator = "transport-performance"

// ErrUnsupportedFormat is returned for extensions the filter cannot read or,
// for output, write. paulmach/osm only decodes PBF so output is XML.
var ErrUnsupportedFormat = errors.New("unsupported OSM format")

// Filter extracts the ways matching tags that have at least one node inside
// bbox (WGS84 lon/lat), keeping every node those ways reference so each way
// stays complete. Tagged nodes inside bbox that match are kept as well.
// Input may be .pbf or .osm; output is always OSM XML.
type Filter struct {
	Logger zerolog.Logger
}

// Stats counts what a filter run kept.
type Stats struct {
	Nodes int
	Ways  int
}

func (f *Filter) Filter(ctx context.Context, input string, output string, bbox orb.Bound, tags *TagFilter) (Stats, error) {
	switch strings.ToLower(filepath.Ext(output)) {
	case ".osm", ".xml":
	default:
		return Stats{}, fmt.Errorf("%w: output %s must be .osm or .xml", ErrUnsupportedFormat, output)
	}

	inside := map[osm.NodeID]bool{}
	wanted := map[osm.NodeID]bool{}
	var ways osm.Ways

	err := scan(ctx, input, func(object osm.Object) {
		switch element := object.(type) {
		case *osm.Node:
			if bbox.Contains(orb.Point{element.Lon, element.Lat}) {
				inside[element.ID] = true
				if tags.Match(element.Tags) {
					wanted[element.ID] = true
				}
			}
		case *osm.Way:
			if !tags.Match(element.Tags) {
				return
			}
			for _, node := range element.Nodes {
				if inside[node.ID] {
					ways = append(ways, element)
					return
				}
			}
		}
	})
	if err != nil {
		return Stats{}, err
	}

	for _, way := range ways {
		for _, node := range way.Nodes {
			wanted[node.ID] = true
		}
	}

	// Second pass picks up way nodes that lie outside the box.
	var nodes osm.Nodes
	err = scan(ctx, input, func(object osm.Object) {
		if node, ok := object.(*osm.Node); ok && wanted[node.ID] {
			nodes = append(nodes, node)
		}
	})
	if err != nil {
		return Stats{}, err
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sort.Slice(ways, func(i, j int) bool { return ways[i].ID < ways[j].ID })

	document := &osm.OSM{
		Version:   "0.6",
		Generator: generator,
		Bounds: &osm.Bounds{
			MinLat: bbox.Min[1],
			MaxLat: bbox.Max[1],
			MinLon: bbox.Min[0],
			MaxLon: bbox.Max[0],
		},
		Nodes: nodes,
		Ways:  ways,
	}

	if err := write(output, document); err != nil {
		return Stats{}, err
	}

	stats := Stats{Nodes: len(nodes), Ways: len(ways)}
	f.Logger.Info().
		Str("input", input).
		Str("output", output).
		Str("tags", tags.String()).
		Int("nodes", stats.Nodes).
		Int("ways", stats.Ways).
		Msg("Filtered OSM extract")

	return stats, nil
}

func scan(ctx context.Context, path string, fn func(osm.Object)) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var scanner osm.Scanner
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pbf":
		scanner = osmpbf.New(ctx, file, 1)
	case ".osm", ".xml":
		scanner = osmxml.New(ctx, file)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	defer scanner.Close()

	for scanner.Scan() {
		fn(scanner.Object())
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}

	return nil
}

func write(path string, document *osm.OSM) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := io.WriteString(file, xml.Header); err != nil {
		return err
	}

	encoder := xml.NewEncoder(file)
	encoder.Indent("", " ")
	if err := encoder.Encode(document); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return file.Close()
}

// ReadXML loads a whole OSM XML document.
func ReadXML(path string) (*osm.OSM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	document := &osm.OSM{}
	if err := xml.Unmarshal(data, document); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return document, nil
}
