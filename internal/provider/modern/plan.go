package modern

import (
	"math"
	"slices"
	"time"
)

// Kind is the type of a plan step
type Kind string

const (
	KindLatency    Kind = "latency"
	KindDownload   Kind = "download"
	KindUpload     Kind = "upload"
	KindPacketLoss Kind = "packetLoss"
)

// Step is one entry of a measurement plan
type Step struct {
	Kind              Kind
	Bytes             int64 // per request, bandwidth steps only
	Count             int   // requests, bandwidth steps only
	NumPackets        int   // latency and packet loss steps
	ResponsesWaitTime time.Duration
	BypassMinDuration bool
}

// Bandwidth reports whether s transfers payload bytes
func (s Step) Bandwidth() bool {
	return s.Kind == KindDownload || s.Kind == KindUpload
}

// DefaultSequence is the full weighted plan before scaling
var DefaultSequence = []Step{
	{Kind: KindLatency, NumPackets: 1},
	{Kind: KindDownload, Bytes: 1e5, Count: 1, BypassMinDuration: true},
	{Kind: KindLatency, NumPackets: 20},
	{Kind: KindDownload, Bytes: 1e5, Count: 9},
	{Kind: KindDownload, Bytes: 1e6, Count: 8},
	{Kind: KindUpload, Bytes: 1e5, Count: 8},
	{Kind: KindPacketLoss, NumPackets: 1000, ResponsesWaitTime: 3 * time.Second},
	{Kind: KindUpload, Bytes: 1e6, Count: 6},
	{Kind: KindDownload, Bytes: 1e7, Count: 6},
	{Kind: KindUpload, Bytes: 1e7, Count: 4},
	{Kind: KindDownload, Bytes: 2.5e7, Count: 4},
	{Kind: KindUpload, Bytes: 2.5e7, Count: 4},
	{Kind: KindDownload, Bytes: 1e8, Count: 3},
	{Kind: KindUpload, Bytes: 5e7, Count: 3},
	{Kind: KindDownload, Bytes: 2.5e8, Count: 2},
}

// ScaleOptions shrinks or grows the default plan. Zero values mean "unchanged".
type ScaleOptions struct {
	LatencyScale           float64
	BytesScale             float64
	CountScale             float64
	PacketLossScale        float64
	ResponsesWaitTimeScale float64
	BudgetBytes            int64 // 0 disables trimming
	MinBytesPerRequest     int64 // default 1e5
	KeepBypassOnSmallSets  *bool // default true
	BypassBytesThreshold   int64 // default 1e6
}

func scaleOr1(f float64) float64 {
	if f <= 0 {
		return 1
	}
	return f
}

func roundAtLeast1(f float64) int {
	return max(1, int(math.Round(f)))
}

// BuildPlan scales base by opts and trims it to the byte budget
func BuildPlan(opts ScaleOptions, base []Step) []Step {
	minBytes := opts.MinBytesPerRequest
	if minBytes <= 0 {
		minBytes = 1e5
	}
	threshold := opts.BypassBytesThreshold
	if threshold <= 0 {
		threshold = 1e6
	}
	keepBypass := opts.KeepBypassOnSmallSets == nil || *opts.KeepBypassOnSmallSets

	plan := make([]Step, 0, len(base))
	for _, s := range base {
		switch s.Kind {
		case KindLatency:
			s.NumPackets = roundAtLeast1(float64(s.NumPackets) * scaleOr1(opts.LatencyScale))
		case KindPacketLoss:
			s.NumPackets = roundAtLeast1(float64(s.NumPackets) * scaleOr1(opts.PacketLossScale))
			wait := float64(s.ResponsesWaitTime) * scaleOr1(opts.ResponsesWaitTimeScale)
			s.ResponsesWaitTime = time.Duration(math.Round(wait/float64(time.Millisecond))) * time.Millisecond
		default:
			s.Bytes = max(minBytes, int64(math.Round(float64(s.Bytes)*scaleOr1(opts.BytesScale))))
			s.Count = roundAtLeast1(float64(s.Count) * scaleOr1(opts.CountScale))
			s.BypassMinDuration = s.BypassMinDuration || (keepBypass && s.Bytes <= threshold)
		}
		plan = append(plan, s)
	}

	if opts.BudgetBytes > 0 {
		return ApplyBudget(plan, opts.BudgetBytes)
	}
	return plan
}

// EstimateTotalBytes sums bytes*count over the bandwidth steps
func EstimateTotalBytes(plan []Step) int64 {
	var total int64
	for _, s := range plan {
		if s.Bandwidth() {
			total += s.Bytes * int64(s.Count)
		}
	}
	return total
}

// ApplyBudget removes requests from the end of the plan until the estimate fits.
// Bandwidth steps whose count reaches zero are dropped.
func ApplyBudget(plan []Step, budget int64) []Step {
	total := EstimateTotalBytes(plan)
	if total <= budget {
		return plan
	}

	out := slices.Clone(plan)
	for i := len(out) - 1; i >= 0 && total > budget; i-- {
		s := &out[i]
		if !s.Bandwidth() {
			continue
		}
		for s.Count > 0 && total > budget {
			s.Count--
			total -= s.Bytes
		}
		if s.Count == 0 {
			out = slices.Delete(out, i, i+1)
		}
	}
	return out
}
