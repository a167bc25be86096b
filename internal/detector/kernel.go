package detector

import "github.com/bottlevision/pipeline/internal/pipeline"

// DefaultCenterFinder is a minimal placeholder for the opaque bottle-center
// detector referenced by §4.5: it thresholds the band against its mean
// intensity and returns the centroid of each run of dark columns, sorted by
// x ascending. Real deployments are expected to supply a CenterFinder
// backed by an actual vision library; this keeps the pipeline runnable
// without one.
type DefaultCenterFinder struct{}

func (DefaultCenterFinder) DetectCenters(gray []byte, width, height int) []pipeline.Point {
	if width == 0 || height == 0 {
		return nil
	}
	colSum := make([]int, width)
	for y := 0; y < height; y++ {
		row := gray[y*width : (y+1)*width]
		for x, v := range row {
			colSum[x] += int(v)
		}
	}
	mean := 0
	for _, s := range colSum {
		mean += s
	}
	mean /= width

	var centers []pipeline.Point
	inRun := false
	runSum, runCount := 0, 0
	flushRun := func() {
		if runCount == 0 {
			return
		}
		centers = append(centers, pipeline.Point{X: runSum / runCount, Y: height / 2})
		runSum, runCount = 0, 0
	}
	for x := 0; x < width; x++ {
		dark := colSum[x] < mean
		if dark {
			inRun = true
			runSum += x
			runCount++
		} else if inRun {
			inRun = false
			flushRun()
		}
	}
	if inRun {
		flushRun()
	}
	return centers
}
