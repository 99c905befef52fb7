// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"fmt"
	"math"
	"math/bits"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"
)

var (
	pkgNameToGroupName map[string]map[string]interface{}
	statsNameMapLock   sync.Mutex

	// log2RoundThreshold[n] is the smallest value v with floor(log2(v)) == n
	// that rounds up to n+1, i.e. ceil(2^(n+0.5))
	log2RoundThreshold [64]uint64
)

func init() {
	for n := range log2RoundThreshold {
		threshold := math.Ceil(math.Pow(2, float64(n)+0.5))
		if threshold >= math.MaxUint64 {
			log2RoundThreshold[n] = math.MaxUint64
		} else {
			log2RoundThreshold[n] = uint64(threshold)
		}
	}
}

// log2RoundIdx maps value to round(log2(value)) + 1, with 0 mapping to 0.
func log2RoundIdx(value uint64) uint {
	if 0 == value {
		return 0
	}

	floorLog2 := uint(bits.Len64(value)) - 1
	if value >= log2RoundThreshold[floorLog2] {
		return floorLog2 + 2
	}
	return floorLog2 + 1
}

func (this *BucketLog2Round) nBucket() uint {
	if 0 == this.NBucket {
		return uint(len(this.statBuckets))
	}
	return this.NBucket
}

func isStatField(fieldAsType reflect.Type) bool {
	switch fieldAsType {
	case reflect.TypeOf(Total{}), reflect.TypeOf(Average{}), reflect.TypeOf(BucketLog2Round{}):
		return true
	}
	return false
}

func checkStatsStruct(statsGroupName string, statsStruct interface{}) {
	if reflect.TypeOf(statsStruct).Kind() != reflect.Ptr ||
		reflect.ValueOf(statsStruct).Elem().Type().Kind() != reflect.Struct {
		panic(fmt.Sprintf("statsStruct for statistics group '%s' is (%s), should be (*struct)",
			statsGroupName, reflect.TypeOf(statsStruct)))
	}
}

// Register a set of statistics, where the statistics are one or more fields in
// the passed structure.
//
func register(pkgName string, statsGroupName string, statsStruct interface{}) {
	if pkgName == "" && statsGroupName == "" {
		panic("statistics group must have non-empty pkgName or statsGroupName")
	}

	checkStatsStruct(statsGroupName, statsStruct)

	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	// find all the statistics fields and init them; assign them a name if
	// they don't have one; verify each name is only used once
	names := make(map[string]struct{})

	for i := 0; i < structAsType.NumField(); i++ {
		fieldName := structAsType.Field(i).Name
		fieldAsValue := structAsValue.Field(i)

		if !isStatField(structAsType.Field(i).Type) {
			continue
		}

		if !fieldAsValue.CanSet() {
			panic(fmt.Sprintf("statistics group '%s' field %s must be exported to be usable by bucketstats",
				statsGroupName, fieldName))
		}

		statNameValue := fieldAsValue.FieldByName("Name")
		if statNameValue.String() == "" {
			statNameValue.SetString(fieldName)
		} else {
			statNameValue.SetString(scrubName(statNameValue.String()))
		}
		_, ok := names[statNameValue.String()]
		if ok {
			panic(fmt.Sprintf("stats '%s' field %s Name '%s' is already in use",
				statsGroupName, fieldName, statNameValue))
		}
		names[statNameValue.String()] = struct{}{}

		if v, ok := fieldAsValue.Addr().Interface().(*BucketLog2Round); ok {
			if v.NBucket == 0 || v.NBucket > uint(len(v.statBuckets)) {
				v.NBucket = uint(len(v.statBuckets))
			} else if v.NBucket < 10 {
				v.NBucket = 10
			}
		}
	}

	statsGroupName = scrubName(statsGroupName)
	pkgName = scrubName(pkgName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if pkgNameToGroupName == nil {
		pkgNameToGroupName = make(map[string]map[string]interface{})
	}
	if pkgNameToGroupName[pkgName] == nil {
		pkgNameToGroupName[pkgName] = make(map[string]interface{})
	}

	if pkgNameToGroupName[pkgName][statsGroupName] != nil {
		panic(fmt.Sprintf("pkgName '%s' with statsGroupName '%s' is already registered",
			pkgName, statsGroupName))
	}
	pkgNameToGroupName[pkgName][statsGroupName] = statsStruct
}

func unRegister(pkgName string, statsGroupName string) {
	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	// silently ignore it if it doesn't exist
	if pkgNameToGroupName[pkgName] != nil {
		delete(pkgNameToGroupName[pkgName], statsGroupName)

		if len(pkgNameToGroupName[pkgName]) == 0 {
			delete(pkgNameToGroupName, pkgName)
		}
	}
}

func sortedKeys(m map[string]map[string]interface{}) (keys []string) {
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return
}

// Return the selected group(s) of statistics as a string.
//
func sprintStats(pkgName string, statsGroupName string) (statValues string) {
	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	var pkgNames []string
	if pkgName == "*" {
		pkgNames = sortedKeys(pkgNameToGroupName)
	} else {
		pkgNames = []string{scrubName(pkgName)}
	}

	for _, pkg := range pkgNames {
		var groupNames []string
		if statsGroupName == "*" {
			for group := range pkgNameToGroupName[pkg] {
				groupNames = append(groupNames, group)
			}
			sort.Strings(groupNames)
		} else {
			groupNames = []string{scrubName(statsGroupName)}
		}

		for _, group := range groupNames {
			statsStruct, ok := pkgNameToGroupName[pkg][group]
			if !ok {
				panic(fmt.Sprintf("bucketstats.sprintStats(): statistics group '%s.%s' is not registered",
					pkg, group))
			}
			statValues += sprintStatsStruct(pkg, group, statsStruct)
		}
	}
	return
}

func sprintStatsStruct(pkgName string, statsGroupName string, statsStruct interface{}) (statValues string) {
	checkStatsStruct(statsGroupName, statsStruct)

	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	for i := 0; i < structAsType.NumField(); i++ {
		if !isStatField(structAsType.Field(i).Type) {
			continue
		}
		statValues += structAsValue.Field(i).Addr().Interface().(Totaler).Sprint(pkgName, statsGroupName)
	}
	return
}

func statisticName(pkgName string, statsGroupName string, fieldName string) string {
	switch {
	case pkgName == "":
		return statsGroupName + "." + fieldName
	case statsGroupName == "":
		return pkgName + "." + fieldName
	default:
		return pkgName + "." + statsGroupName + "." + fieldName
	}
}

func (this *Total) sprint(pkgName string, statsGroupName string) string {
	return fmt.Sprintf("%s total:%d\n", statisticName(pkgName, statsGroupName, this.Name), this.TotalGet())
}

func (this *Average) sprint(pkgName string, statsGroupName string) string {
	return fmt.Sprintf("%s total:%d count:%d avg:%d\n",
		statisticName(pkgName, statsGroupName, this.Name), this.TotalGet(), this.CountGet(), this.AverageGet())
}

// bucketDistMake builds the []BucketInfo for the first nBucket buckets; the
// last bucket absorbs every value past its nominal range.
//
func bucketDistMake(nBucket uint, statBuckets []uint64) []BucketInfo {
	bucketInfo := make([]BucketInfo, nBucket)

	for idx := uint(0); idx < nBucket; idx++ {
		info := &bucketInfo[idx]
		info.Count = statBuckets[idx]

		switch idx {
		case 0:
			// value 0 only
		case 1:
			info.NominalVal = 1
			info.RangeLow = 1
			info.RangeHigh = 1
		default:
			info.NominalVal = uint64(1) << (idx - 1)
			info.RangeLow = log2RoundThreshold[idx-2]
			if idx-1 < uint(len(log2RoundThreshold)) {
				info.RangeHigh = log2RoundThreshold[idx-1] - 1
			} else {
				info.RangeHigh = math.MaxUint64
			}
		}
		if idx == nBucket-1 {
			info.RangeHigh = math.MaxUint64
		}

		info.MeanVal = info.RangeLow/2 + info.RangeHigh/2 + (info.RangeLow & info.RangeHigh & 0x1)
	}

	return bucketInfo
}

func bucketSprint(pkgName string, statsGroupName string, fieldName string, total uint64, bucketInfo []BucketInfo) string {
	var (
		count   uint64
		lastIdx int
	)

	for idx := range bucketInfo {
		count += bucketInfo[idx].Count
		if bucketInfo[idx].Count > 0 {
			lastIdx = idx
		}
	}

	var avg uint64
	if count > 0 {
		avg = total / count
	}

	line := fmt.Sprintf("%s total:%d count:%d avg:%d",
		statisticName(pkgName, statsGroupName, fieldName), total, count, avg)

	for idx := 0; idx <= lastIdx; idx++ {
		if bucketInfo[idx].NominalVal < 1024 {
			line += fmt.Sprintf(" %d:%d", bucketInfo[idx].NominalVal, bucketInfo[idx].Count)
		} else {
			line += fmt.Sprintf(" 2^%d:%d", idx-1, bucketInfo[idx].Count)
		}
	}

	return line + "\n"
}

// Replace illegal characters in names with underbar (`_`)
//
func scrubName(name string) string {
	// Names should include only printable characters that are not
	// whitespace.  Also disallow splat ('*'), sharp ('#') and colon (':').
	replaceChar := func(r rune) rune {
		switch {
		case unicode.IsSpace(r), !unicode.IsPrint(r):
			return '_'
		case r == '*', r == ':', r == '#':
			return '_'
		}
		return r
	}

	return strings.Map(replaceChar, name)
}
