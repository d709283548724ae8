// Package evaluation summarises scored images: mean score per class and
// the ROC-AUC that separates each abnormal class from the normal class.
package evaluation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// ClassAUC returns the area under the ROC curve for separating abnormal
// (positive) from normal (negative) scores, where a higher score means
// more anomalous. Tied scores form a single ROC step, so identical
// distributions give 0.5 and perfectly separated ones give 1.0.
func ClassAUC(normalClass string, normal []float64, abnormalClass string, abnormal []float64) (float64, error) {
	if len(normal) == 0 {
		return 0, errors.NewInsufficientDataError(normalClass,
			fmt.Sprintf("no scores for normal class %s", normalClass))
	}
	if len(abnormal) == 0 {
		return 0, errors.NewInsufficientDataError(abnormalClass,
			fmt.Sprintf("no scores for class %s", abnormalClass))
	}

	n := len(normal) + len(abnormal)
	y := make([]float64, 0, n)
	classes := make([]bool, 0, n)
	for _, v := range normal {
		y = append(y, v)
		classes = append(classes, false)
	}
	for _, v := range abnormal {
		y = append(y, v)
		classes = append(classes, true)
	}
	for _, v := range y {
		if math.IsNaN(v) {
			return 0, errors.NewNumericError(
				fmt.Sprintf("NaN score while comparing %s against %s", abnormalClass, normalClass)).
				WithContext("class", abnormalClass)
		}
	}

	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)

	return integrate.Trapezoidal(fpr, tpr), nil
}
