package confusion

import (
	"sync"

	"github.com/nvr-ai/go-detdata/classes"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix counts (ground truth, predicted) label pairs over many images. Rows are
// ground-truth ids and columns are predicted ids, both indexed by the class map.
type Matrix struct {
	mu      sync.Mutex
	cm      *classes.ClassMap
	cfg     Config
	counts  map[[2]int]float64
	images  int
	skipped int
}

// NewMatrix returns an empty matrix over cm. cm grows as unknown labels are observed.
func NewMatrix(cm *classes.ClassMap, cfg Config) *Matrix {
	return &Matrix{cm: cm, cfg: cfg, counts: make(map[[2]int]float64)}
}

// Add records one match.
func (m *Matrix) Add(match Match) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, gt := range match.Labels {
		m.counts[[2]int{gt, match.Matches[i].Label}]++
	}
	m.images++
}

// Accumulate matches every prediction against its ground truth and adds the result.
// Images without ground truth are skipped.
func (m *Matrix) Accumulate(preds []records.Prediction) error {
	for _, p := range preds {
		if p.Ground == nil {
			return errors.New("prediction without ground truth")
		}
		match, ok, err := MatchPredictions(p.Pred, p.Ground, m.cfg)
		if err != nil {
			return errors.Wrapf(err, "matching %s", p.Ground.ImageID)
		}
		if !ok {
			log.Debug().Str("image", p.Ground.ImageID).Msg("no ground truth, skipping")
			m.mu.Lock()
			m.skipped++
			m.mu.Unlock()
			continue
		}

		predicted := match.PredictedLabels()
		if p.Pred != nil {
			predicted = append(predicted, p.Pred.Detection.Labels...)
		}
		if _, err := AddUnknownLabels(match.Labels, predicted, m.cm); err != nil {
			return errors.Wrapf(err, "labels of %s", p.Ground.ImageID)
		}
		m.Add(match)
	}
	return nil
}

// Images returns the number of matched and skipped images.
func (m *Matrix) Images() (matched, skipped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images, m.skipped
}

// Dense returns the square count matrix sized to the class map.
func (m *Matrix) Dense() *mat.Dense {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.cm.Len()
	d := mat.NewDense(n, n, nil)
	for k, v := range m.counts {
		if k[0] < n && k[1] < n {
			d.Set(k[0], k[1], v)
		}
	}
	return d
}

// Precision returns the fraction of predictions of id that were correct, or 0 if
// id was never predicted.
func (m *Matrix) Precision(id int) float64 {
	d := m.Dense()
	if id < 0 || id >= d.RawMatrix().Cols {
		return 0
	}
	total := floats.Sum(mat.Col(nil, id, d))
	if total == 0 {
		return 0
	}
	return d.At(id, id) / total
}

// Recall returns the fraction of ground-truth boxes of id that were found, or 0
// if id never occurred.
func (m *Matrix) Recall(id int) float64 {
	d := m.Dense()
	if id < 0 || id >= d.RawMatrix().Rows {
		return 0
	}
	total := floats.Sum(mat.Row(nil, id, d))
	if total == 0 {
		return 0
	}
	return d.At(id, id) / total
}

// ClassReport summarizes one class.
type ClassReport struct {
	ID        int     `yaml:"id" json:"id"`
	Name      string  `yaml:"name" json:"name"`
	Support   int     `yaml:"support" json:"support"`
	Precision float64 `yaml:"precision" json:"precision"`
	Recall    float64 `yaml:"recall" json:"recall"`
}

// Report is a serializable snapshot of the matrix.
type Report struct {
	Images  int           `yaml:"images" json:"images"`
	Skipped int           `yaml:"skipped" json:"skipped"`
	Classes []string      `yaml:"classes" json:"classes"`
	Matrix  [][]float64   `yaml:"matrix" json:"matrix"`
	Summary []ClassReport `yaml:"summary" json:"summary"`
}

// Report snapshots the counts together with per-class precision and recall.
func (m *Matrix) Report() Report {
	d := m.Dense()
	names := m.cm.Names()
	n, _ := d.Dims()
	matched, skipped := m.Images()

	r := Report{Images: matched, Skipped: skipped, Classes: names, Matrix: make([][]float64, n)}
	for i := 0; i < n; i++ {
		row := mat.Row(nil, i, d)
		r.Matrix[i] = row
		col := mat.Col(nil, i, d)

		cr := ClassReport{ID: i, Support: int(floats.Sum(row))}
		if i < len(names) {
			cr.Name = names[i]
		}
		if s := floats.Sum(col); s > 0 {
			cr.Precision = d.At(i, i) / s
		}
		if s := floats.Sum(row); s > 0 {
			cr.Recall = d.At(i, i) / s
		}
		r.Summary = append(r.Summary, cr)
	}
	return r
}
