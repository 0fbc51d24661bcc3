package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/travigo/transport-performance/pkg/geotable"
)

var ErrInconsistentODMatrix = errors.New("OD matrix differs from the reference")

// Hook runs after the OD matrix is written and before aggregation. A hook
// error aborts the run.
type Hook struct {
	Name string
	Run  func(ctx context.Context, odMatrixDir string) error
}

// ConsistencyGate compares the written OD matrix against a reference parquet
// file. Row order is ignored; values must match exactly.
func ConsistencyGate(reference string) Hook {
	return Hook{
		Name: "consistency gate",
		Run: func(ctx context.Context, odMatrixDir string) error {
			actual, err := geotable.ReadODMatrix(odMatrixDir)
			if err != nil {
				return err
			}
			expected, err := geotable.ReadODMatrix(reference)
			if err != nil {
				return err
			}

			return compareODMatrices(actual, expected)
		},
	}
}

func compareODMatrices(actual []geotable.ODPair, expected []geotable.ODPair) error {
	if len(actual) != len(expected) {
		return fmt.Errorf("%w: %d rows, reference has %d", ErrInconsistentODMatrix, len(actual), len(expected))
	}

	sortPairs(actual)
	sortPairs(expected)

	for i := range actual {
		a, e := actual[i], expected[i]
		if a.FromID != e.FromID || a.ToID != e.ToID || !sameTravelTime(a.TravelTime, e.TravelTime) {
			return fmt.Errorf("%w: row %d is %+v, reference has %+v", ErrInconsistentODMatrix, i, a, e)
		}
	}

	return nil
}

func sortPairs(pairs []geotable.ODPair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].FromID != pairs[j].FromID {
			return pairs[i].FromID < pairs[j].FromID
		}
		return pairs[i].ToID < pairs[j].ToID
	})
}

// sameTravelTime treats two unreachable pairs as equal.
func sameTravelTime(a float64, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}

	return a == b
}
