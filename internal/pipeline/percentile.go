package pipeline

import (
	"sort"
	"strconv"

	"github.com/tinytelemetry/lotus-agent/internal/model"
)

// PercentileReducer buffers observations of configured metrics and emits
// nearest-rank percentiles at flush boundaries.
type PercentileReducer struct {
	ranks map[string][]int
	names []string
}

// NewPercentileReducer validates ranks (1..100) per metric.
func NewPercentileReducer(ranks map[string][]int) (PercentileReducer, error) {
	r := PercentileReducer{ranks: make(map[string][]int, len(ranks))}
	for metric, ps := range ranks {
		if len(ps) == 0 {
			continue
		}
		for _, p := range ps {
			if p < 1 || p > 100 {
				return PercentileReducer{}, model.ConfigErrorf("percentiles."+metric, "rank %d outside 1..100", p)
			}
		}
		r.ranks[metric] = append([]int(nil), ps...)
		r.names = append(r.names, metric)
	}
	sort.Strings(r.names)
	return r, nil
}

// DerivedName returns the name of the metric emitted for rank p of metric.
func DerivedName(metric string, p int) string {
	return metric + "_p" + strconv.Itoa(p)
}

// DerivedNames lists every metric name the reducer may emit.
func (r PercentileReducer) DerivedNames() []string {
	var out []string
	for _, metric := range r.names {
		for _, p := range r.ranks[metric] {
			out = append(out, DerivedName(metric, p))
		}
	}
	return out
}

// Reduce appends the sample's observations to the buffers and, on flush,
// writes one derived value per rank into the sample and clears the buffers.
func (r PercentileReducer) Reduce(s *model.Sample, st *State, flush bool) {
	for _, metric := range r.names {
		if v, ok := s.Get(metric); ok && !v.IsNull() {
			st.PercentileBuffers[metric] = append(st.PercentileBuffers[metric], v)
		}
		if !flush {
			continue
		}
		buf := st.PercentileBuffers[metric]
		sortValues(buf)
		for _, p := range r.ranks[metric] {
			s.Set(DerivedName(metric, p), NearestRank(buf, p))
		}
		delete(st.PercentileBuffers, metric)
	}
}

// NearestRank returns sorted[ceil(p*n/100)-1], or null for an empty slice.
func NearestRank(sorted []model.Value, p int) model.Value {
	n := len(sorted)
	if n == 0 {
		return model.Null()
	}
	pos := (p*n+99)/100 - 1
	if pos < 0 {
		pos = 0
	}
	if pos >= n {
		pos = n - 1
	}
	return sorted[pos]
}

// sortValues orders numerically when both operands are numeric and falls back
// to lexicographic order of the textual form otherwise.
func sortValues(vs []model.Value) {
	sort.SliceStable(vs, func(i, j int) bool {
		a, aok := vs[i].Float64()
		b, bok := vs[j].Float64()
		if aok && bok {
			return a < b
		}
		return vs[i].String() < vs[j].String()
	})
}
