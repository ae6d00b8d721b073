// Package stability implements the weighing-stability detector: a
// per-sample filter pipeline that decides whether a window of recent scale
// readings represents a stable, loaded pan.
package stability

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// Sample is one raw weight reading supplied to calibration or to Detector.Update.
// T is a monotonic timestamp in seconds; Value is the raw reading in the
// station's configured weight unit.
type Sample struct {
	T     float64
	Value float64
}

// Constants holds the calibration-derived thresholds used by the per-sample
// pipeline. All of them are computed once from an empty-pan log and are
// immutable afterward, except that a later Recalibrate may replace the whole
// set (see internal/stability.Detector.Recalibrate) and the Detector keeps
// its copy of MedianDt updated from the observed sample spacing.
type Constants struct {
	Sigma        float64
	Res          float64
	EPS          float64
	EPSAlign     float64
	Window       float64
	EmptyThresh  float64
	PlacementMin float64
	SlopeLimit   float64
	MedianDt     float64
}

// ChangeLimit returns CHANGE_LIMIT(w) = max(4*sigma, 0.005*w, 2*res).
func (c Constants) ChangeLimit(w float64) float64 {
	return max3(4*c.Sigma, 0.005*math.Abs(w), 2*c.Res)
}

// Calibrate derives Constants from an empty-pan log of at least 3 seconds of
// samples, per spec.md §4.1. configPlacementMin is the operator-configured
// floor for PLACEMENT_MIN; the effective value is raised to at least
// 5*sigma and 2*res.
func Calibrate(log []Sample, configPlacementMin float64) (Constants, error) {
	if len(log) < 2 {
		return Constants{}, fmt.Errorf("stability: calibration log needs at least 2 samples")
	}
	span := log[len(log)-1].T - log[0].T
	if span < 3.0 {
		return Constants{}, fmt.Errorf("stability: calibration log must span >= 3s, got %.3fs", span)
	}

	values := make([]float64, len(log))
	for i, s := range log {
		values[i] = s.Value
	}
	med := median(values)

	absDevs := make([]float64, len(values))
	for i, v := range values {
		absDevs[i] = math.Abs(v - med)
	}
	sigma := 1.4826 * median(absDevs)

	var dts []float64
	res := math.Inf(1)
	for i := 1; i < len(log); i++ {
		dt := log[i].T - log[i-1].T
		if dt > 0 {
			dts = append(dts, dt)
		}
		diff := math.Abs(log[i].Value - log[i-1].Value)
		if diff > 0 && diff < res {
			res = diff
		}
	}
	if math.IsInf(res, 1) {
		res = 0
	}
	medianDt := median(dts)
	if medianDt <= 0 {
		medianDt = span / float64(len(log)-1)
	}

	eps := max2(3*sigma, 2*res)
	epsAlign := max3(2*eps, 2*sigma, 3*res)
	window := math.Max(0.80, 30*medianDt)
	emptyThresh := max2(3*sigma, 2*res)
	placementMin := max3(configPlacementMin, 5*sigma, 2*res)
	slopeLimit := 2 * sigma / window

	return Constants{
		Sigma:        sigma,
		Res:          res,
		EPS:          eps,
		EPSAlign:     epsAlign,
		Window:       window,
		EmptyThresh:  emptyThresh,
		PlacementMin: placementMin,
		SlopeLimit:   slopeLimit,
		MedianDt:     medianDt,
	}, nil
}

// LoadEmptyPanLog reads an empty-pan sample log from a JSON file: an array
// of {"t": <seconds>, "value": <reading>} objects, in recording order. The
// station calibrates from this file at boot; a later recalibration arrives as
// ready-made Constants on BatchStartWithCalibration (see Detector.Recalibrate).
func LoadEmptyPanLog(path string) ([]Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration log %s: %w", path, err)
	}
	var raw []struct {
		T     float64 `json:"t"`
		Value float64 `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse calibration log %s: %w", path, err)
	}
	log := make([]Sample, len(raw))
	for i, s := range raw {
		log[i] = Sample{T: s.T, Value: s.Value}
	}
	return log, nil
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	cp := make([]float64, len(xs))
	copy(cp, xs)
	sort.Float64s(cp)
	n := len(cp)
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2
}

func max2(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func max3(a, b, c float64) float64 {
	return max2(max2(a, b), c)
}
