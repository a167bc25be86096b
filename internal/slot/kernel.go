package slot

import (
	"github.com/bottlevision/pipeline/internal/config"
	"github.com/bottlevision/pipeline/internal/pipeline"
)

// DefaultLineFinder is a minimal placeholder for the opaque Canny+Hough
// line-detection kernel referenced by §4.6: for each row, if at least
// min_line_length pixels (capped at the crop width) are darker than
// canny_t1, the row is reported as a full-width horizontal line. Real deployments are expected to supply
// a LineFinder backed by an actual vision library.
type DefaultLineFinder struct{}

func (DefaultLineFinder) FindLines(gray []byte, width, height int, params config.Slot) []pipeline.Line {
	if width == 0 || height == 0 {
		return nil
	}
	minLen := int(params.MinLineLength)
	if minLen <= 0 || minLen > width {
		minLen = width
	}
	var lines []pipeline.Line
	for y := 0; y < height; y++ {
		row := gray[y*width : (y+1)*width]
		dark := 0
		for _, v := range row {
			if int(v) < int(params.CannyT1) {
				dark++
			}
		}
		if dark >= minLen {
			lines = append(lines, pipeline.Line{X1: 0, Y1: y, X2: width - 1, Y2: y})
		}
	}
	return lines
}
