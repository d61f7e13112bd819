package upload

import "time"

// estimate derives percent and remaining time from the chunks uploaded so far.
// Remaining is elapsed/percent*100 - elapsed, and zero before any progress.
func estimate(uploaded, total int, elapsed time.Duration) Progress {
	p := Progress{Uploaded: uploaded, Total: total, Elapsed: elapsed}
	if total <= 0 {
		return p
	}
	p.Percent = float64(uploaded) / float64(total) * 100
	if uploaded > 0 && uploaded < total {
		estimatedTotal := time.Duration(float64(elapsed) / p.Percent * 100)
		p.Remaining = estimatedTotal - elapsed
	}
	return p
}
