package basis

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const fileVersion = 1

// file is the on-disk form of a TemplateBasis.
type file struct {
	Version   int           `json:"version"`
	Name      string        `json:"name"`
	Mean      [][3]float64  `json:"mean"`
	Faces     [][3]int      `json:"faces"`
	Shape     [][]float64   `json:"shape_components"`
	Expr      [][]float64   `json:"expression_components"`
	Landmarks LandmarkTable `json:"landmarks"`
}

// Load reads a basis from a JSON file.
func Load(path string) (*TemplateBasis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read basis")
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "decode basis %s", path)
	}
	if f.Version != fileVersion {
		return nil, errors.Errorf("basis %s: unsupported version %d", path, f.Version)
	}

	mean := make([]r3.Vec, len(f.Mean))
	for i, p := range f.Mean {
		mean[i] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
	}
	return New(f.Name, mean, f.Faces, f.Shape, f.Expr, f.Landmarks)
}

// Save writes the basis to a JSON file.
func (b *TemplateBasis) Save(path string) error {
	f := file{
		Version:   fileVersion,
		Name:      b.name,
		Mean:      make([][3]float64, len(b.mean)),
		Faces:     b.faces,
		Shape:     columns(b.shape),
		Expr:      columns(b.expr),
		Landmarks: b.landmarks,
	}
	for i, p := range b.mean {
		f.Mean[i] = [3]float64{p.X, p.Y, p.Z}
	}

	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode basis")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "write basis")
}

func columns(m *mat.Dense) [][]float64 {
	_, n := m.Dims()
	out := make([][]float64, n)
	for k := range out {
		out[k] = mat.Col(nil, k, m)
	}
	return out
}
