package tone

import "math"

// FrameRMS computes the root-mean-square amplitude of a block of samples.
// It is the wideband activity measure used to segment tone from silence:
// the frequency estimator needs a full analysis window to react, so the
// coarse energy decision is made every frame while the slower, more
// selective frequency estimate accumulates across frames.
func FrameRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
