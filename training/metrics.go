package training

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per true class.
// Matrix is indexed [true_class][predicted_class].
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds predicted class indices against their true classes.
func (cm *ConfusionMatrix) Update(predictions, truths []int64) error {
	if len(predictions) != len(truths) {
		return errors.Errorf("predictions length %d does not match truths length %d", len(predictions), len(truths))
	}
	for i := range truths {
		t, p := truths[i], predictions[i]
		if t < 0 || int(t) >= cm.NumClasses || p < 0 || int(p) >= cm.NumClasses {
			return errors.Wrapf(ErrLabelOutOfRange, "sample %d: truth %d prediction %d, %d classes", i, t, p, cm.NumClasses)
		}
		cm.Matrix[t][p]++
		cm.TotalSamples++
	}
	return nil
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ClassScores holds the one-vs-rest counts of one class.
type ClassScores struct {
	TP, FP, FN int
}

// Precision is TP/(TP+FP), zero when nothing was predicted as the class.
func (s ClassScores) Precision() float64 {
	return ratio(s.TP, s.TP+s.FP)
}

// Recall is TP/(TP+FN), zero when the class never occurs.
func (s ClassScores) Recall() float64 {
	return ratio(s.TP, s.TP+s.FN)
}

// F1 is the harmonic mean of precision and recall, zero when both are.
func (s ClassScores) F1() float64 {
	return ratio(2*s.TP, 2*s.TP+s.FP+s.FN)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Scores returns per-class counts.
func (cm *ConfusionMatrix) Scores(class int) ClassScores {
	s := ClassScores{TP: cm.Matrix[class][class]}
	for other := 0; other < cm.NumClasses; other++ {
		if other == class {
			continue
		}
		s.FP += cm.Matrix[other][class]
		s.FN += cm.Matrix[class][other]
	}
	return s
}

// present reports whether the class occurs as a truth or a prediction.
func (cm *ConfusionMatrix) present(class int) bool {
	s := cm.Scores(class)
	return s.TP+s.FP+s.FN > 0
}

// macro averages f over the classes that occur as a truth or prediction,
// which is how scikit-learn chooses the label set by default.
func (cm *ConfusionMatrix) macro(f func(ClassScores) float64) float64 {
	sum, n := 0.0, 0
	for c := 0; c < cm.NumClasses; c++ {
		if !cm.present(c) {
			continue
		}
		sum += f(cm.Scores(c))
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// GetMetric calculates the requested metric.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return cm.macro(ClassScores.Precision)
	case MacroRecall:
		return cm.macro(ClassScores.Recall)
	case MacroF1:
		return cm.macro(ClassScores.F1)
	case MicroF1:
		// every misclassification is one FP and one FN, so micro F1 is accuracy
		return cm.GetAccuracy()
	default:
		return 0.0
	}
}

// String renders the matrix with true classes as rows.
func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	sb.WriteString("true\\pred")
	for p := 0; p < cm.NumClasses; p++ {
		sb.WriteString(fmt.Sprintf("\t%d", p))
	}
	sb.WriteString("\n")
	for t, row := range cm.Matrix {
		sb.WriteString(fmt.Sprintf("%d", t))
		for _, v := range row {
			sb.WriteString(fmt.Sprintf("\t%d", v))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
