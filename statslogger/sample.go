// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package statslogger

// sampleStats tracks the min, max, and mean of a gauge sampled over a time
// interval.
type sampleStats struct {
	min     int64
	max     int64
	total   int64
	samples int64
}

func (sp *sampleStats) Clear() {
	*sp = sampleStats{}
}

func (sp *sampleStats) Sample(value int64) {
	if (0 == sp.samples) || (sp.min > value) {
		sp.min = value
	}
	if (0 == sp.samples) || (sp.max < value) {
		sp.max = value
	}
	sp.total += value
	sp.samples++
}

func (sp *sampleStats) Mean() int64 {
	if 0 == sp.samples {
		return 0
	}
	return sp.total / sp.samples
}

func (sp *sampleStats) Min() int64 {
	return sp.min
}

func (sp *sampleStats) Max() int64 {
	return sp.max
}

func (sp *sampleStats) Samples() int64 {
	return sp.samples
}
