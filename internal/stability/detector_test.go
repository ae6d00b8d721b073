package stability

import (
	"math"
	"testing"
)

func emptyPanLog() []Sample {
	// 4s of near-zero noise at 10Hz.
	log := make([]Sample, 0, 40)
	noise := []float64{0, 0.01, -0.01, 0.02, -0.02, 0.01, 0, -0.01, 0.02, 0}
	for i := 0; i < 40; i++ {
		log = append(log, Sample{T: float64(i) * 0.1, Value: noise[i%len(noise)]})
	}
	return log
}

func TestCalibrateRejectsShortLog(t *testing.T) {
	_, err := Calibrate([]Sample{{T: 0, Value: 0}, {T: 1, Value: 0}}, 0.1)
	if err == nil {
		t.Fatal("expected error for sub-3s calibration log")
	}
}

func TestCalibrateProducesPositiveConstants(t *testing.T) {
	c, err := Calibrate(emptyPanLog(), 0.1)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if c.EPS <= 0 || c.EPSAlign <= 0 || c.Window <= 0 || c.PlacementMin <= 0 {
		t.Fatalf("expected positive constants, got %+v", c)
	}
	if c.Window < 0.80 {
		t.Fatalf("WINDOW must be >= 0.80s, got %f", c.Window)
	}
}

// One placement: empty for 1s then a loaded, stable weight for 10s. Expect
// stability to become true partway through the load. With this 10Hz
// calibration WINDOW is 3.0s and the slow EMA needs several more seconds to
// flatten below SLOPE_LIMIT, so a 3s load would end before the predicate holds.
func TestOnePlacementBecomesStable(t *testing.T) {
	c, err := Calibrate(emptyPanLog(), 0.1)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	d := New(c)

	t_ := 0.0
	for i := 0; i < 10; i++ {
		d.Update(t_, 0.0)
		t_ += 0.1
	}
	if d.Last().Stable {
		t.Fatal("empty pan must not be reported stable")
	}

	sawStable := false
	for i := 0; i < 100; i++ {
		st := d.Update(t_, 5.0)
		t_ += 0.1
		if st.Stable {
			sawStable = true
		}
	}
	if !sawStable {
		t.Fatal("expected detector to report stable after a sustained 5.0kg placement")
	}
	if d.Last().Mean < c.PlacementMin {
		t.Fatalf("stable mean %f should be >= PLACEMENT_MIN %f", d.Last().Mean, c.PlacementMin)
	}
}

func TestSpikeIsDropped(t *testing.T) {
	c, err := Calibrate(emptyPanLog(), 0.1)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	d := New(c)

	t_ := 0.0
	for i := 0; i < 5; i++ {
		d.Update(t_, 0.0)
		t_ += 0.1
	}
	before := d.last
	beforeCount := d.SampleCount()

	// A huge dt jump classifies as a spike and must be dropped: no filter
	// state change, no sample-count increment.
	d.Update(t_+100*c.MedianDt, 99.0)

	if d.SampleCount() != beforeCount {
		t.Fatalf("spike must not increment sample count: before=%d after=%d", beforeCount, d.SampleCount())
	}
	if d.last.Fast != before.Fast || d.last.Slow != before.Slow {
		t.Fatalf("spike must leave EMA state unchanged")
	}
}

func TestRelearnAfterFiveConsecutiveSpikes(t *testing.T) {
	c, err := Calibrate(emptyPanLog(), 0.1)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	d := New(c)

	t_ := 0.0
	for i := 0; i < 5; i++ {
		d.Update(t_, 0.0)
		t_ += 0.1
	}

	spikeDt := 50 * c.MedianDt
	for i := 0; i < spikeLimit; i++ {
		t_ += spikeDt
		d.Update(t_, 0.0)
	}
	if !d.relearn {
		t.Fatal("expected detector to enter relearn mode after 5 consecutive spikes")
	}

	newDt := 0.05
	for i := 0; i < relearnCount; i++ {
		t_ += newDt
		d.Update(t_, 0.0)
	}
	if d.relearn {
		t.Fatal("expected detector to exit relearn mode after collecting 5 dt samples")
	}
	if math.Abs(d.c.MedianDt-newDt) > 1e-9 {
		t.Fatalf("expected relearned median_dt %.4f, got %.4f", newDt, d.c.MedianDt)
	}
}

func TestResetClearsFilterState(t *testing.T) {
	c, _ := Calibrate(emptyPanLog(), 0.1)
	d := New(c)

	t_ := 0.0
	for i := 0; i < 20; i++ {
		d.Update(t_, 5.0)
		t_ += 0.1
	}
	if d.SampleCount() == 0 {
		t.Fatal("expected samples to accumulate before reset")
	}

	d.Reset()
	if d.SampleCount() != 0 || d.last.Stable {
		t.Fatal("reset must clear sample count and stability")
	}
}

// Replaying the same sample stream from a reset detector must yield the same
// is_stable trajectory (spec.md §8 "Stability idempotence").
func TestStabilityIdempotentReplay(t *testing.T) {
	c, _ := Calibrate(emptyPanLog(), 0.1)

	stream := func() []Sample {
		s := make([]Sample, 0, 60)
		t_ := 0.0
		for i := 0; i < 10; i++ {
			s = append(s, Sample{T: t_, Value: 0})
			t_ += 0.1
		}
		for i := 0; i < 30; i++ {
			s = append(s, Sample{T: t_, Value: 5.0})
			t_ += 0.1
		}
		return s
	}()

	run := func() []bool {
		d := New(c)
		out := make([]bool, 0, len(stream))
		for _, s := range stream {
			out = append(out, d.Update(s.T, s.Value).Stable)
		}
		return out
	}

	a := run()
	b := run()
	if len(a) != len(b) {
		t.Fatalf("length mismatch")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("trajectory diverged at sample %d: %v vs %v", i, a[i], b[i])
		}
	}
}
