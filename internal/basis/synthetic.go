package basis

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// SyntheticOptions controls the procedural FLAME-like template used by tests and the
// facefit synth command. Distances are in meters.
type SyntheticOptions struct {
	Rings          int     `json:"rings"`
	Segments       int     `json:"segments"`
	ShapeDims      int     `json:"shape_dims"`
	ExprDims       int     `json:"expr_dims"`
	Radii          r3.Vec  `json:"radii"`
	NoseHeight     float64 `json:"nose_height"`
	ShapeAmplitude float64 `json:"shape_amplitude"`
	ExprAmplitude  float64 `json:"expr_amplitude"`
	Seed           int64   `json:"seed"`
}

// DefaultSyntheticOptions returns a face-sized head with FLAME dimensions.
func DefaultSyntheticOptions() SyntheticOptions {
	return SyntheticOptions{
		Rings:          24,
		Segments:       32,
		ShapeDims:      DefaultShapeDims,
		ExprDims:       DefaultExprDims,
		Radii:          r3.Vec{X: 0.075, Y: 0.1, Z: 0.085},
		NoseHeight:     0.025,
		ShapeAmplitude: 0.003, // one standard deviation ~3mm
		ExprAmplitude:  0.004,
		Seed:           1,
	}
}

// WithDims returns a copy of the options with different basis sizes.
func (o SyntheticOptions) WithDims(shapeDims, exprDims int) SyntheticOptions {
	o.ShapeDims = shapeDims
	o.ExprDims = exprDims
	return o
}

// direction returns the unit direction for latitude/longitude, with longitude 0 facing +Z.
func direction(lat, lon float64) r3.Vec {
	return r3.Vec{
		X: math.Cos(lat) * math.Sin(lon),
		Y: math.Sin(lat),
		Z: math.Cos(lat) * math.Cos(lon),
	}
}

// bump is a gaussian falloff in angle between two unit directions.
func bump(d, center r3.Vec, width float64) float64 {
	c := math.Max(-1, math.Min(1, r3.Dot(d, center)))
	a := math.Acos(c)
	return math.Exp(-(a * a) / (2 * width * width))
}

// Synthetic builds a procedural head: an ellipsoid with a nose, whose shape components
// start as smooth localized bumps and whose expression components sit around the
// mouth. Components are then orthogonalized like a PCA basis of aligned scans. The
// mean is left/right symmetric.
func Synthetic(opts SyntheticOptions) (*TemplateBasis, error) {
	rings, segs := opts.Rings, opts.Segments
	noseDir := r3.Vec{Z: 1}

	var dirs []r3.Vec
	dirs = append(dirs, r3.Vec{Y: -1}) // south pole
	for i := 1; i < rings; i++ {
		lat := -math.Pi/2 + math.Pi*float64(i)/float64(rings)
		for j := 0; j < segs; j++ {
			lon := 2 * math.Pi * float64(j) / float64(segs)
			dirs = append(dirs, direction(lat, lon))
		}
	}
	dirs = append(dirs, r3.Vec{Y: 1}) // north pole

	mean := make([]r3.Vec, len(dirs))
	normals := make([]r3.Vec, len(dirs))
	for i, d := range dirs {
		p := r3.Vec{X: d.X * opts.Radii.X, Y: d.Y * opts.Radii.Y, Z: d.Z * opts.Radii.Z}
		mean[i] = r3.Add(p, r3.Scale(opts.NoseHeight*bump(d, noseDir, 0.22), d))
		normals[i] = d
	}

	ringStart := func(i int) int { return 1 + (i-1)*segs }
	var faces [][3]int
	south, north := 0, len(dirs)-1
	for j := 0; j < segs; j++ {
		jn := (j + 1) % segs
		faces = append(faces, [3]int{south, ringStart(1) + jn, ringStart(1) + j})
		faces = append(faces, [3]int{north, ringStart(rings-1) + j, ringStart(rings-1) + jn})
	}
	for i := 1; i < rings-1; i++ {
		for j := 0; j < segs; j++ {
			jn := (j + 1) % segs
			a, b := ringStart(i)+j, ringStart(i)+jn
			c, d := ringStart(i+1)+j, ringStart(i+1)+jn
			faces = append(faces, [3]int{a, b, d}, [3]int{a, d, c})
		}
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	fields := make([][]float64, 0, opts.ShapeDims+opts.ExprDims)
	for k := 0; k < opts.ShapeDims; k++ {
		// Spread identity bumps over the face-bearing front two thirds of the head.
		center := direction((rng.Float64()-0.5)*math.Pi*0.8, (rng.Float64()-0.5)*math.Pi*1.4)
		fields = append(fields, bumpField(dirs, center, 0.35+0.25*rng.Float64(), opts.ShapeAmplitude))
	}
	for k := 0; k < opts.ExprDims; k++ {
		center := direction(-0.3-0.5*rng.Float64(), (rng.Float64()-0.5)*1.2)
		fields = append(fields, bumpField(dirs, center, 0.25+0.15*rng.Float64(), opts.ExprAmplitude))
	}
	fields, err := orthogonalize(mean, normals, fields)
	if err != nil {
		return nil, err
	}
	shape := make([][]float64, opts.ShapeDims)
	for k := range shape {
		shape[k] = radial(normals, fields[k])
	}
	expr := make([][]float64, opts.ExprDims)
	for k := range expr {
		expr[k] = radial(normals, fields[opts.ShapeDims+k])
	}

	landmarks := make(LandmarkTable, len(CanonicalOrder))
	for name, ll := range syntheticLandmarkDirections {
		landmarks[name] = nearestDirection(dirs, direction(ll[0], ll[1]))
	}

	return New("synthetic", mean, faces, shape, expr, landmarks)
}

// bumpField is a scalar displacement per vertex, gaussian around center.
func bumpField(dirs []r3.Vec, center r3.Vec, width, amplitude float64) []float64 {
	out := make([]float64, len(dirs))
	for i, d := range dirs {
		out[i] = amplitude * bump(d, center, width)
	}
	return out
}

// radial turns a scalar field into a flattened 3V displacement along the normals.
func radial(normals []r3.Vec, field []float64) []float64 {
	out := make([]float64, 3*len(normals))
	for i, n := range normals {
		out[3*i] = field[i] * n.X
		out[3*i+1] = field[i] * n.Y
		out[3*i+2] = field[i] * n.Z
	}
	return out
}

// rigidFields are the normal components of the three translations, the three
// infinitesimal rotations and uniform scaling of the mean mesh.
func rigidFields(mean, normals []r3.Vec) [][]float64 {
	out := make([][]float64, 7)
	for j := range out {
		out[j] = make([]float64, len(mean))
	}
	for i, p := range mean {
		n := normals[i]
		out[0][i], out[1][i], out[2][i] = n.X, n.Y, n.Z
		out[3][i] = r3.Dot(r3.Cross(r3.Vec{X: 1}, p), n)
		out[4][i] = r3.Dot(r3.Cross(r3.Vec{Y: 1}, p), n)
		out[5][i] = r3.Dot(r3.Cross(r3.Vec{Z: 1}, p), n)
		out[6][i] = r3.Dot(p, n)
	}
	return out
}

// orthogonalize makes the fields mutually orthogonal and orthogonal to every rigid
// field, in order, by QR. Each field keeps its norm and the sign of its original bump.
func orthogonalize(mean, normals []r3.Vec, fields [][]float64) ([][]float64, error) {
	rigid := rigidFields(mean, normals)
	rows, cols := len(mean), len(rigid)+len(fields)
	if rows < cols {
		return nil, errors.Errorf("basis: %d vertices cannot carry %d independent components", rows, len(fields))
	}
	a := mat.NewDense(rows, cols, nil)
	for j, f := range rigid {
		a.SetCol(j, f)
	}
	for j, f := range fields {
		a.SetCol(len(rigid)+j, f)
	}

	var qr mat.QR
	qr.Factorize(a)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	out := make([][]float64, len(fields))
	for k, f := range fields {
		j := len(rigid) + k
		scale := floats.Norm(f, 2)
		if r.At(j, j) < 0 {
			scale = -scale
		}
		col := mat.Col(nil, j, &q)
		floats.Scale(scale, col)
		out[k] = col
	}
	return out, nil
}

func nearestDirection(dirs []r3.Vec, target r3.Vec) int {
	best, bestDot := 0, -2.0
	for i, d := range dirs {
		if c := r3.Dot(d, target); c > bestDot {
			best, bestDot = i, c
		}
	}
	return best
}

// syntheticLandmarkDirections holds (latitude, longitude) in radians. Subject's left is +X.
var syntheticLandmarkDirections = map[string][2]float64{
	NoseTip:       {0, 0},
	NoseBridge:    {0.4, 0},
	LeftEyeOuter:  {0.3, 0.8},
	LeftEyeInner:  {0.3, 0.4},
	RightEyeInner: {0.3, -0.4},
	RightEyeOuter: {0.3, -0.8},
	MouthLeft:     {-0.5, 0.4},
	MouthRight:    {-0.5, -0.4},
	UpperLip:      {-0.35, 0},
	LowerLip:      {-0.6, 0},
	Chin:          {-0.9, 0},
	LeftCheek:     {-0.1, 1.0},
	RightCheek:    {-0.1, -1.0},
	Forehead:      {0.85, 0},
}
