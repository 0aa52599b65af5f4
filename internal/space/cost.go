package space

import (
	"context"
	"fmt"
)

// Metric names produced by the cost estimator.
const (
	MetricWeights = "weights"
	MetricMACs    = "macs"
)

// CostEstimator derives resource metrics from an instance without running it.
type CostEstimator struct{}

func (CostEstimator) Estimate(ctx context.Context, model any) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inst, ok := model.(*Instance)
	if !ok {
		return nil, fmt.Errorf("cost estimate: unsupported model %T", model)
	}
	return Cost(inst), nil
}

// Cost counts learnable weights and multiply-accumulates per sample.
func Cost(inst *Instance) map[string]float64 {
	var weights, macs int
	for _, name := range inst.Order {
		out := inst.Outputs[name]
		switch m := inst.Modules[name].(type) {
		case *Conv:
			weights += m.OutChannels*m.InChannels*m.KernelSize + m.OutChannels
			if len(out) == 3 {
				macs += m.OutChannels * m.InChannels * m.KernelSize * out[2]
			}
		case *LinearModule:
			weights += m.InFeatures*m.OutFeatures + m.OutFeatures
			macs += m.InFeatures * m.OutFeatures
		case *BatchNorm:
			weights += 2 * m.NumFeatures
			if len(out) > 0 {
				macs += out.Elements() / out[0]
			}
		}
	}
	return map[string]float64{
		MetricWeights: float64(weights),
		MetricMACs:    float64(macs),
	}
}
