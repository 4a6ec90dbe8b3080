package market

import "sort"

// NormalizeSeries 对上游返回的 K 线序列做防御性整理：
// 按时间升序排序，时间戳相同的只保留最后收到的那条 (last-write-wins)。
// 上游声称有序无重复，但不能依赖这一点。
func NormalizeSeries(in []Observation) []Observation {
	if len(in) == 0 {
		return nil
	}

	out := make([]Observation, len(in))
	copy(out, in)

	// 稳定排序：同一时间戳保持到达顺序，去重时取最后一条
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time < out[j].Time
	})

	dedup := out[:0]
	for _, obs := range out {
		if n := len(dedup); n > 0 && dedup[n-1].Time == obs.Time {
			dedup[n-1] = obs
			continue
		}
		dedup = append(dedup, obs)
	}

	return dedup
}

// MergeObservation 将一条新样本并入已归一化的序列，保持升序无重复。
// 同时间戳覆盖旧值；序列长度超过 limit 时丢弃最旧的。
func MergeObservation(series []Observation, obs Observation, limit int) []Observation {
	n := len(series)

	switch {
	case n == 0 || series[n-1].Time < obs.Time:
		series = append(series, obs)
	case series[n-1].Time == obs.Time:
		series[n-1] = obs
	default:
		// 乱序到达：定位插入点 (重连后的补发会走到这里，很少见)
		idx := sort.Search(n, func(i int) bool { return series[i].Time >= obs.Time })
		if idx < n && series[idx].Time == obs.Time {
			series[idx] = obs
		} else {
			series = append(series, Observation{})
			copy(series[idx+1:], series[idx:])
			series[idx] = obs
		}
	}

	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	return series
}
