package training

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/guptarohit/asciigraph"
	"github.com/pkg/errors"
)

// Metric selects one history series of a phase.
type Metric string

const (
	MetricLoss     Metric = "loss"
	MetricAccuracy Metric = "accuracy"
	MetricF1       Metric = "f1"
)

// PhaseStatistics is the per epoch history of one phase.
type PhaseStatistics struct {
	Loss     []float64 `json:"loss"`
	Accuracy []float64 `json:"accuracy"`
	F1       []float64 `json:"f1"`
}

func (p *PhaseStatistics) series(m Metric) ([]float64, error) {
	switch m {
	case MetricLoss:
		return p.Loss, nil
	case MetricAccuracy:
		return p.Accuracy, nil
	case MetricF1:
		return p.F1, nil
	}
	return nil, errors.Errorf("unknown metric %q", m)
}

// Statistics collects loss, accuracy and macro F1 per phase and epoch.
type Statistics struct {
	NumClasses int                        `json:"num_classes"`
	Phases     map[Phase]*PhaseStatistics `json:"phases"`
}

// NewStatistics creates empty histories for the train and val phases.
func NewStatistics(numClasses int) *Statistics {
	return &Statistics{
		NumClasses: numClasses,
		Phases: map[Phase]*PhaseStatistics{
			PhaseTrain: {},
			PhaseVal:   {},
		},
	}
}

// Phase returns the history of phase, creating it on first use.
func (s *Statistics) Phase(phase Phase) *PhaseStatistics {
	p, ok := s.Phases[phase]
	if !ok {
		p = &PhaseStatistics{}
		s.Phases[phase] = p
	}
	return p
}

// Update appends one epoch to the history of phase. predictions and
// truths hold one slice per batch; they are flattened before scoring.
// F1 is the unweighted mean over the classes that appear in either.
func (s *Statistics) Update(phase Phase, loss float64, predictions, truths [][]int64) error {
	cm := NewConfusionMatrix(s.NumClasses)
	if len(predictions) != len(truths) {
		return errors.Errorf("%d prediction batches but %d truth batches", len(predictions), len(truths))
	}
	for i := range truths {
		if err := cm.Update(predictions[i], truths[i]); err != nil {
			return errors.Wrapf(err, "batch %d", i)
		}
	}

	p := s.Phase(phase)
	p.Loss = append(p.Loss, loss)
	p.Accuracy = append(p.Accuracy, cm.GetAccuracy())
	p.F1 = append(p.F1, cm.GetMetric(MacroF1))
	return nil
}

// Print writes the latest entry of phase as
//
//	=== Train 3 ===
//	    Loss: 0.1234
//	    Accuracy: 0.9000
//	    F1: 0.8800
func (s *Statistics) Print(w io.Writer, phase Phase, epoch int) error {
	p, ok := s.Phases[phase]
	if !ok || len(p.Loss) == 0 {
		return errors.Errorf("no statistics recorded for phase %q", phase)
	}
	last := len(p.Loss) - 1
	_, err := fmt.Fprintf(w, "=== %s %d ===\n    Loss: %.4f\n    Accuracy: %.4f\n    F1: %.4f\n",
		title(string(phase)), epoch, p.Loss[last], p.Accuracy[last], p.F1[last])
	return err
}

// Plot renders one series of phase as an ASCII chart. It returns an
// empty string while the series is empty.
func (s *Statistics) Plot(phase Phase, metric Metric) (string, error) {
	p, ok := s.Phases[phase]
	if !ok {
		return "", nil
	}
	data, err := p.series(metric)
	if err != nil || len(data) == 0 {
		return "", err
	}
	return asciigraph.Plot(data,
		asciigraph.Height(10),
		asciigraph.Caption(fmt.Sprintf("%s %s", phase, metric)),
	), nil
}

// WriteJSON stores the full history.
func (s *Statistics) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(s), "encoding statistics")
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
