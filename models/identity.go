package models

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Mismatch is one prototype whose assigned class differs from the class it
// is most strongly connected to in the last layer.
type Mismatch struct {
	Prototype int
	Assigned  int
	Strongest int
}

// MatchReport is the result of the prototype identity sanity check.
type MatchReport struct {
	// Total is the number of prototypes compared.
	Total int
	// Mismatches in ascending prototype order.
	Mismatches []Mismatch
}

// AllMatch reports whether every prototype connects most strongly to its
// assigned class.
func (r MatchReport) AllMatch() bool {
	return len(r.Mismatches) == 0
}

// Summary renders a one-line description of the report.
func (r MatchReport) Summary() string {
	if r.AllMatch() {
		return fmt.Sprintf("All %d prototypes connect most strongly to their own class.", r.Total)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d prototypes connect most strongly to another class:", len(r.Mismatches), r.Total)
	for _, m := range r.Mismatches {
		fmt.Fprintf(&b, " %d(assigned=%d strongest=%d)", m.Prototype, m.Assigned, m.Strongest)
	}
	return b.String()
}

// CheckIdentity compares the assigned class of every prototype with the class
// holding its strongest last-layer connection. It never fails the run; a
// length mismatch only compares the common prefix and counts the rest in Total.
//
// Arguments:
//   - assigned: The class each prototype is assigned to, by prototype index.
//   - strongest: The class with maximal connection weight, by prototype index.
//
// Returns:
//   - MatchReport: The per-prototype mismatches.
func CheckIdentity(assigned, strongest []int) MatchReport {
	n := min(len(assigned), len(strongest))
	report := MatchReport{Total: max(len(assigned), len(strongest))}
	for i := 0; i < n; i++ {
		if assigned[i] != strongest[i] {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Prototype: i,
				Assigned:  assigned[i],
				Strongest: strongest[i],
			})
		}
	}
	return report
}

// MaxConnection returns, for every prototype (column of weights), the class
// (row) with the largest weight. Ties resolve to the lowest class index.
func MaxConnection(weights mat.Matrix) ([]int, error) {
	if weights == nil {
		return nil, errors.New("nil weight matrix")
	}
	classes, prototypes := weights.Dims()
	if classes == 0 || prototypes == 0 {
		return nil, errors.Errorf("empty weight matrix %dx%d", classes, prototypes)
	}
	out := make([]int, prototypes)
	col := make([]float64, classes)
	for p := 0; p < prototypes; p++ {
		mat.Col(col, p, weights)
		out[p] = floats.MaxIdx(col)
	}
	return out, nil
}

// SanityReport holds the identity check against the class each prototype
// was pushed onto and against the class it is assigned to.
type SanityReport struct {
	Push     MatchReport
	Assigned MatchReport
}

// AllMatch reports whether both checks pass.
func (r SanityReport) AllMatch() bool {
	return r.Push.AllMatch() && r.Assigned.AllMatch()
}

// CheckIdentity runs the sanity check for the model, comparing the push
// identity and the assigned class of each prototype with its strongest
// last-layer connection.
func (m *Model) CheckIdentity() (SanityReport, error) {
	strongest, err := MaxConnection(m.Weights)
	if err != nil {
		return SanityReport{}, errors.Wrap(err, "max connection")
	}
	return SanityReport{
		Push:     CheckIdentity(m.PushIdentity, strongest),
		Assigned: CheckIdentity(m.Assignments(), strongest),
	}, nil
}
