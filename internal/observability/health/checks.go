package health

import (
	"context"
	"strconv"

	"github.com/inferloop/vaeanomaly/internal/calibration"
	"github.com/inferloop/vaeanomaly/pkg/interfaces"
)

// CheckpointStoreCheck lists the store. It is critical: training and
// scoring cannot proceed without it.
func CheckpointStoreCheck(store interfaces.CheckpointStore) HealthCheck {
	return NewBasicHealthCheck("checkpoint_store", true, func(ctx context.Context) (map[string]string, error) {
		infos, err := store.List(ctx)
		if err != nil {
			return map[string]string{"location": store.Location()}, err
		}
		details := map[string]string{
			"location":    store.Location(),
			"checkpoints": strconv.Itoa(len(infos)),
		}
		if len(infos) > 0 {
			details["latest"] = infos[len(infos)-1].Key
		}
		return details, nil
	})
}

// CalibrationCheck loads the gamma fit. A missing fit only disables the
// gamma score, so the check is not critical.
func CalibrationCheck(path string) HealthCheck {
	return NewBasicHealthCheck("calibration", false, func(ctx context.Context) (map[string]string, error) {
		fit, err := calibration.LoadGammaFit(path)
		if err != nil {
			return map[string]string{"file": path}, err
		}
		return map[string]string{
			"file":  path,
			"shape": strconv.FormatFloat(fit.Shape, 'g', 6, 64),
		}, nil
	})
}
