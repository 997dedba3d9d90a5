package train

import (
	"fmt"
	"math"

	"github.com/pthm-cable/sugeno/config"
)

// Loss scores one prediction y against target t and returns dL/dy.
type Loss interface {
	Name() string
	Eval(y, t float64) (loss, dy float64)
}

// MSE is squared error, used for continuous heads.
type MSE struct{}

func (MSE) Name() string { return "mse" }

func (MSE) Eval(y, t float64) (float64, float64) {
	d := y - t
	return d * d, 2 * d
}

// BCEWithLogits is binary cross-entropy on a raw logit, used for binary
// heads. It is evaluated in the numerically stable form
// max(y,0) - y*t + log(1+exp(-|y|)).
type BCEWithLogits struct{}

func (BCEWithLogits) Name() string { return "bce_logits" }

func (BCEWithLogits) Eval(y, t float64) (float64, float64) {
	loss := math.Max(y, 0) - y*t + math.Log1p(math.Exp(-math.Abs(y)))
	return loss, Sigmoid(y) - t
}

// Sigmoid is the logistic function, stable for large |x|.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// LossFor returns the loss used for task.
func LossFor(task string) (Loss, error) {
	switch task {
	case config.TaskManeuver:
		return MSE{}, nil
	case config.TaskCombat:
		return BCEWithLogits{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown task %q", ErrInvalidOptions, task)
	}
}
