package basis

import (
	"sort"

	"github.com/pkg/errors"
)

// Canonical landmark names, in the order used by positional landmark arrays
// (see internal/prior).
const (
	NoseTip       = "nose_tip"
	NoseBridge    = "nose_bridge"
	LeftEyeOuter  = "left_eye_outer"
	LeftEyeInner  = "left_eye_inner"
	RightEyeInner = "right_eye_inner"
	RightEyeOuter = "right_eye_outer"
	MouthLeft     = "mouth_left"
	MouthRight    = "mouth_right"
	UpperLip      = "upper_lip"
	LowerLip      = "lower_lip"
	Chin          = "chin"
	LeftCheek     = "left_cheek"
	RightCheek    = "right_cheek"
	Forehead      = "forehead"
)

// CanonicalOrder lists the semantic landmarks in positional order.
var CanonicalOrder = []string{
	NoseTip, NoseBridge,
	LeftEyeOuter, LeftEyeInner, RightEyeInner, RightEyeOuter,
	MouthLeft, MouthRight, UpperLip, LowerLip,
	Chin, LeftCheek, RightCheek, Forehead,
}

// LandmarkTable maps semantic landmark names to fixed template vertex indices.
type LandmarkTable map[string]int

// Index returns the vertex index of a named landmark.
func (t LandmarkTable) Index(name string) (int, bool) {
	idx, ok := t[name]
	return idx, ok
}

// Names returns the table's names sorted alphabetically.
func (t LandmarkTable) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (t LandmarkTable) validate(numVertices int) error {
	seen := make(map[int]string, len(t))
	for name, idx := range t {
		if name == "" {
			return errors.New("basis: landmark with empty name")
		}
		if idx < 0 || idx >= numVertices {
			return errors.Errorf("basis: landmark %q references vertex %d of %d", name, idx, numVertices)
		}
		if other, dup := seen[idx]; dup {
			return errors.Errorf("basis: landmarks %q and %q share vertex %d", other, name, idx)
		}
		seen[idx] = name
	}
	return nil
}

func (t LandmarkTable) clone() LandmarkTable {
	out := make(LandmarkTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
