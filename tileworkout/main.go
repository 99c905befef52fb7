// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program tileworkout drives a tile cache with concurrent pixel-region
// traffic and reports throughput along with the cache's statistics.
package main

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/NVIDIA/tilecache/blunder"
	"github.com/NVIDIA/tilecache/bucketstats"
	"github.com/NVIDIA/tilecache/conf"
	"github.com/NVIDIA/tilecache/logger"
	"github.com/NVIDIA/tilecache/pixelregion"
	"github.com/NVIDIA/tilecache/statslogger"
	"github.com/NVIDIA/tilecache/tilecache"
	"github.com/NVIDIA/tilecache/trackedlock"
	"github.com/NVIDIA/tilecache/utils"
)

const (
	drawableWidth  = 1000
	drawableHeight = 700
	drawableBPP    = 4
)

var (
	doNextStepChan      chan bool
	drawablesPerThread  uint64
	manager             *tilecache.CacheManager
	measureCopy         bool
	measureRead         bool
	measureWrite        bool
	source              *tilecache.MapDrawableSource
	stepErrChan         chan error
	threads             uint64
	bytesPerDrawableRow = drawableWidth * drawableBPP
)

func usage(file *os.File) {
	fmt.Fprintf(file, "Usage:\n")
	fmt.Fprintf(file, "    %v [wrc] threads drawables-per-thread conf-file [section.option=value]*\n", os.Args[0])
	fmt.Fprintf(file, "  where:\n")
	fmt.Fprintf(file, "    w                       measure writing every drawable row by row\n")
	fmt.Fprintf(file, "    r                       measure reading (and verifying) every drawable\n")
	fmt.Fprintf(file, "    c                       measure copying each drawable's shadow with Process()\n")
	fmt.Fprintf(file, "    threads                 number of threads\n")
	fmt.Fprintf(file, "    drawables-per-thread    number of %dx%d drawables each thread will use\n", drawableWidth, drawableHeight)
	fmt.Fprintf(file, "    conf-file               input to conf.MakeConfMapFromFile()\n")
	fmt.Fprintf(file, "    [section.option=value]* optional input to conf.UpdateFromStrings()\n")
	fmt.Fprintf(file, "\n")
	fmt.Fprintf(file, "Note: Precisely one test selector must be specified\n")
	fmt.Fprintf(file, "      r and c write the drawables (unmeasured) before measuring\n")
}

func main() {
	var (
		confMap     conf.ConfMap
		err         error
		statsLogger *statslogger.StatsLogger
		stopwatch   *utils.Stopwatch
	)

	// Parse arguments

	if 5 > len(os.Args) {
		usage(os.Stderr)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "w":
		measureWrite = true
	case "r":
		measureRead = true
	case "c":
		measureCopy = true
	default:
		fmt.Fprintf(os.Stderr, "os.Args[1] ('%v') must be one of 'w', 'r', or 'c'\n", os.Args[1])
		os.Exit(1)
	}

	threads, err = strconv.ParseUint(os.Args[2], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) of threads failed: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	if 0 == threads {
		fmt.Fprintf(os.Stderr, "threads must be a positive number\n")
		os.Exit(1)
	}

	drawablesPerThread, err = strconv.ParseUint(os.Args[3], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) of drawables-per-thread failed: %v\n", os.Args[3], err)
		os.Exit(1)
	}
	if 0 == drawablesPerThread {
		fmt.Fprintf(os.Stderr, "drawables-per-thread must be a positive number\n")
		os.Exit(1)
	}

	confMap, err = conf.MakeConfMapFromFile(os.Args[4])
	if nil != err {
		fmt.Fprintf(os.Stderr, "conf.MakeConfMapFromFile(\"%v\") failed: %v\n", os.Args[4], err)
		os.Exit(1)
	}

	if 5 < len(os.Args) {
		err = confMap.UpdateFromStrings(os.Args[5:])
		if nil != err {
			fmt.Fprintf(os.Stderr, "confMap.UpdateFromStrings(%#v) failed: %v\n", os.Args[5:], err)
			os.Exit(1)
		}
	}

	// Start up needed components

	err = logger.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "logger.Up() failed: %v\n", err)
		os.Exit(1)
	}

	err = trackedlock.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "trackedlock.Up() failed: %v\n", err)
		os.Exit(1)
	}

	source = tilecache.NewMapDrawableSource()

	manager, err = tilecache.Start(confMap, source)
	if nil != err {
		fmt.Fprintf(os.Stderr, "tilecache.Start() failed: %v\n", err)
		os.Exit(1)
	}

	statsLogger = statslogger.Start(confMap, manager)

	// Perform tests

	stepErrChan = make(chan error, 0)
	doNextStepChan = make(chan bool, 0)

	// Do initialization step
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		go tileWorkout(threadIndex)
	}
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		err = <-stepErrChan
		if nil != err {
			stepFailed("initialization", err)
		}
	}

	// Do measured operations step
	stopwatch = utils.NewStopwatch()
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		doNextStepChan <- true
	}
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		err = <-stepErrChan
		if nil != err {
			stepFailed("measured operations", err)
		}
	}
	stopwatch.Stop()

	// Do shutdown step
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		doNextStepChan <- true
	}
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		err = <-stepErrChan
		if nil != err {
			stepFailed("shutdown", err)
		}
	}

	cacheStats := manager.Stats()
	statsReport := bucketstats.SprintStats("TileCache", manager.StatsGroupName())

	// Stop components launched above

	statsLogger.Stop()

	err = manager.Close()
	if nil != err {
		fmt.Fprintf(os.Stderr, "manager.Close() failed: %v\n", blunder.ErrorString(err))
		os.Exit(1)
	}

	err = trackedlock.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "trackedlock.Down() failed: %v\n", err)
		os.Exit(1)
	}

	err = logger.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "logger.Down() failed: %v\n", err)
		os.Exit(1)
	}

	// Report results

	totalBytes := threads * drawablesPerThread * drawableWidth * drawableHeight * drawableBPP
	bytesPerSecond := float64(totalBytes) / stopwatch.Elapsed().Seconds()

	fmt.Printf("elapsed     = %v\n", stopwatch.ElapsedString())
	fmt.Printf("throughput  = %v/s\n", utils.ByteSizeToString(uint64(bytesPerSecond)))
	fmt.Printf("cache stats = %s\n", utils.JSONify(cacheStats, false))
	fmt.Printf("%s", statsReport)
}

// stepFailed reports err from a workout step, with where it was raised, and
// exits. The full error details go to the log only.
func stepFailed(step string, err error) {
	file, line := blunder.Location(err)
	if 0 == line {
		fmt.Fprintf(os.Stderr, "tileWorkout() %s step returned: %v\n", step, blunder.ErrorString(err))
	} else {
		fmt.Fprintf(os.Stderr, "tileWorkout() %s step returned: %v (raised at %s:%d)\n", step, blunder.ErrorString(err), file, line)
	}
	logger.Errorf("tileWorkout() %s step failed: %s", step, blunder.Details(err))
	os.Exit(1)
}

func drawableRow(drawableID uint64, y int) (row []byte) {
	row = make([]byte, bytesPerDrawableRow)
	for i := range row {
		row[i] = byte(drawableID) + byte(y) + byte(i)
	}
	return
}

func writeDrawable(drawable *tilecache.Drawable) (err error) {
	region, err := pixelregion.Init(drawable, 0, 0, drawableWidth, drawableHeight, true, false)
	if nil != err {
		return
	}
	for y := 0; y < drawableHeight; y++ {
		err = region.SetRow(drawableRow(drawable.ID(), y), 0, y, drawableWidth)
		if nil != err {
			return
		}
	}
	return
}

func readDrawable(drawable *tilecache.Drawable) (err error) {
	region, err := pixelregion.Init(drawable, 0, 0, drawableWidth, drawableHeight, false, false)
	if nil != err {
		return
	}
	row := make([]byte, bytesPerDrawableRow)
	for y := 0; y < drawableHeight; y++ {
		err = region.GetRow(row, 0, y, drawableWidth)
		if nil != err {
			return
		}
		if !bytes.Equal(row, drawableRow(drawable.ID(), y)) {
			err = fmt.Errorf("drawable %d row %d mismatch", drawable.ID(), y)
			return
		}
	}
	return
}

// copyDrawable copies the primary tiles into the shadow tiles chunk by chunk
// and then merges the shadow back.
func copyDrawable(drawable *tilecache.Drawable) (err error) {
	src, err := pixelregion.Init(drawable, 0, 0, drawableWidth, drawableHeight, false, false)
	if nil != err {
		return
	}
	dst, err := pixelregion.Init(drawable, 0, 0, drawableWidth, drawableHeight, true, true)
	if nil != err {
		return
	}

	iterator, err := pixelregion.Register(src, dst)
	if nil != err {
		return
	}
	defer iterator.Close()

	for {
		more, processErr := iterator.Process()
		if nil != processErr {
			err = processErr
			return
		}
		if !more {
			break
		}
		s := src.Chunk()
		d := dst.Chunk()
		rowBytes := s.W * s.BPP
		for row := 0; row < s.H; row++ {
			copy(d.Data[row*d.RowStride:row*d.RowStride+rowBytes], s.Data[row*s.RowStride:row*s.RowStride+rowBytes])
		}
	}

	err = drawable.MergeShadow()
	return
}

func tileWorkout(threadIndex uint64) {
	var (
		drawables []*tilecache.Drawable
		err       error
		i         uint64
	)

	// Do initialization step
	drawables = make([]*tilecache.Drawable, drawablesPerThread)
	for i = 0; i < drawablesPerThread; i++ {
		drawableID := threadIndex*drawablesPerThread + i + 1
		source.Add(drawableID, tilecache.DrawableInfo{Width: drawableWidth, Height: drawableHeight, BPP: drawableBPP, NumChannels: drawableBPP})
		drawables[i], err = manager.GetDrawable(drawableID)
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
		if !measureWrite {
			err = writeDrawable(drawables[i])
			if nil != err {
				stepErrChan <- err
				runtime.Goexit()
			}
		}
	}

	// Indicate initialization step is done
	stepErrChan <- nil

	// Await signal to proceed with measured operations step
	_ = <-doNextStepChan

	// Do measured operations
	for i = 0; i < drawablesPerThread; i++ {
		if measureWrite {
			err = writeDrawable(drawables[i])
		} else if measureRead {
			err = readDrawable(drawables[i])
		} else { // measureCopy
			err = copyDrawable(drawables[i])
		}
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
	}

	// Indicate measured operations step is done
	stepErrChan <- nil

	// Await signal to proceed with shutdown step
	_ = <-doNextStepChan

	// Do shutdown step
	for i = 0; i < drawablesPerThread; i++ {
		if measureCopy {
			err = readDrawable(drawables[i])
			if nil != err {
				stepErrChan <- err
				runtime.Goexit()
			}
		}
		err = drawables[i].Delete()
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
		source.Remove(drawables[i].ID())
	}

	// Indicate shutdown step is done
	stepErrChan <- nil
}
