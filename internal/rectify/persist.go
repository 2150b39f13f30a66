package rectify

import (
	"fmt"
	"image"
	"io"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

var requiredKeys = []string{"M1", "M2", "D1", "D2", "imageSize", "R", "T", "E", "F"}

type matrixDoc struct {
	Rows int       `yaml:"rows"`
	Cols int       `yaml:"cols"`
	Data []float64 `yaml:"data,flow"`
}

type calibrationDoc struct {
	M1        matrixDoc `yaml:"M1"`
	M2        matrixDoc `yaml:"M2"`
	D1        []float64 `yaml:"D1,flow"`
	D2        []float64 `yaml:"D2,flow"`
	ImageSize []int     `yaml:"imageSize,flow"`
	R         matrixDoc `yaml:"R"`
	T         []float64 `yaml:"T,flow"`
	E         matrixDoc `yaml:"E"`
	F         matrixDoc `yaml:"F"`
}

func toDoc(m *mat.Dense) matrixDoc {
	r, c := m.Dims()
	return matrixDoc{Rows: r, Cols: c, Data: mat.DenseCopyOf(m).RawMatrix().Data}
}

func (d matrixDoc) dense(name string) (*mat.Dense, error) {
	if d.Rows <= 0 || d.Cols <= 0 || len(d.Data) != d.Rows*d.Cols {
		return nil, fmt.Errorf("%w: %s has %d values for %dx%d", ErrFormat, name, len(d.Data), d.Rows, d.Cols)
	}
	return mat.NewDense(d.Rows, d.Cols, append([]float64(nil), d.Data...)), nil
}

// decodeRaw parses a calibration document. Every key must be present.
func decodeRaw(r io.Reader) (RawParameters, error) {
	var keys map[string]yaml.Node
	data, err := io.ReadAll(r)
	if err != nil {
		return RawParameters{}, fmt.Errorf("read calibration: %w", err)
	}
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return RawParameters{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	var missing []string
	for _, k := range requiredKeys {
		if _, ok := keys[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return RawParameters{}, fmt.Errorf("%w: missing %s", ErrFormat, strings.Join(missing, ", "))
	}

	var doc calibrationDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return RawParameters{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if len(doc.ImageSize) != 2 {
		return RawParameters{}, fmt.Errorf("%w: imageSize must be [width, height]", ErrFormat)
	}

	raw := RawParameters{
		D1:        doc.D1,
		D2:        doc.D2,
		T:         doc.T,
		ImageSize: image.Pt(doc.ImageSize[0], doc.ImageSize[1]),
	}
	for _, m := range []struct {
		name string
		doc  matrixDoc
		dst  **mat.Dense
	}{
		{"M1", doc.M1, &raw.M1},
		{"M2", doc.M2, &raw.M2},
		{"R", doc.R, &raw.R},
		{"E", doc.E, &raw.E},
		{"F", doc.F, &raw.F},
	} {
		if *m.dst, err = m.doc.dense(m.name); err != nil {
			return RawParameters{}, err
		}
	}
	if err := raw.Validate(); err != nil {
		return RawParameters{}, err
	}
	return raw, nil
}

func encodeRaw(w io.Writer, raw RawParameters) error {
	doc := calibrationDoc{
		M1:        toDoc(raw.M1),
		M2:        toDoc(raw.M2),
		D1:        raw.D1,
		D2:        raw.D2,
		ImageSize: []int{raw.ImageSize.X, raw.ImageSize.Y},
		R:         toDoc(raw.R),
		T:         raw.T,
		E:         toDoc(raw.E),
		F:         toDoc(raw.F),
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}
	return enc.Close()
}
