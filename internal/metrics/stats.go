package metrics

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"meshmon/internal/model"
)

// Summary is a basic statistics snapshot over probe results.
type Summary struct {
	Count       int
	Successes   int
	Timeouts    int
	SuccessRate float64 // percent
	From        time.Time
	To          time.Time
	AvgRTTMs    float64
	P95RTTMs    float64
	MinRTTMs    float64
	MaxRTTMs    float64
	StdDevRTTMs float64
	AvgHopsTo   float64
	AvgHopsBack float64
	AvgSNR      float64
	SNRSamples  int
}

// Summarize computes summary statistics for results at or after since.
// RTT, hop and SNR figures only consider successful probes.
func Summarize(items []model.ProbeResult, since time.Time) Summary {
	filtered := make([]model.ProbeResult, 0, len(items))
	for _, r := range items {
		if !r.Timestamp.Before(since) {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return Summary{}
	}

	s := Summary{Count: len(filtered), From: filtered[0].Timestamp, To: filtered[0].Timestamp}
	var rtts, hopsTo, hopsBack, snrs []float64
	for _, r := range filtered {
		if r.Timestamp.Before(s.From) {
			s.From = r.Timestamp
		}
		if r.Timestamp.After(s.To) {
			s.To = r.Timestamp
		}
		if !r.Succeeded() {
			s.Timeouts++
			continue
		}
		s.Successes++
		rtts = append(rtts, float64(r.RTT)/float64(time.Millisecond))
		hopsTo = append(hopsTo, float64(r.HopsTo))
		hopsBack = append(hopsBack, float64(r.HopsBack))
		if r.SNR != nil {
			snrs = append(snrs, *r.SNR)
		}
	}
	s.SuccessRate = float64(s.Successes) / float64(s.Count) * 100

	if len(rtts) > 0 {
		sort.Float64s(rtts)
		s.MinRTTMs = rtts[0]
		s.MaxRTTMs = rtts[len(rtts)-1]
		s.AvgRTTMs, s.StdDevRTTMs = stat.MeanStdDev(rtts, nil)
		if len(rtts) == 1 {
			s.StdDevRTTMs = 0
		}
		s.P95RTTMs = percentile(rtts, 0.95)
		s.AvgHopsTo = stat.Mean(hopsTo, nil)
		s.AvgHopsBack = stat.Mean(hopsBack, nil)
	}
	if len(snrs) > 0 {
		s.AvgSNR = stat.Mean(snrs, nil)
		s.SNRSamples = len(snrs)
	}
	return s
}

// SummarizeByTarget groups results by target, sorted by target id.
func SummarizeByTarget(items []model.ProbeResult, since time.Time) map[string]Summary {
	groups := make(map[string][]model.ProbeResult)
	for _, r := range items {
		id := model.NormalizeID(r.Target)
		groups[id] = append(groups[id], r)
	}
	out := make(map[string]Summary, len(groups))
	for id, rs := range groups {
		if s := Summarize(rs, since); s.Count > 0 {
			out[id] = s
		}
	}
	return out
}

// percentile expects sorted values. It uses the empirical quantile, so the
// result is always one of the observed values.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	return stat.Quantile(p, stat.Empirical, values, nil)
}
