package drizzle

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// RenderCoverageBytes renders the weight image of acc with the 3x3 coverage
// grid and returns it as JPEG bytes.
func RenderCoverageBytes(acc *AccumulationContext, cov *CoverageAnalysis, title string) ([]byte, error) {
	img, err := renderCoverageImage(acc, cov, title)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// renderCoverageImage creates the overlay image in memory.
func renderCoverageImage(acc *AccumulationContext, cov *CoverageAnalysis, title string) (*image.RGBA, error) {
	if cov == nil || acc.Width == 0 || acc.Height == 0 {
		return nil, fmt.Errorf("no coverage data")
	}

	// Render at reduced resolution (800px wide, proportional height)
	const targetWidth = 800
	scale := float64(targetWidth) / float64(acc.Width)
	imgW := targetWidth
	imgH := max(int(float64(acc.Height)*scale), 100)

	summaryH := 60
	totalH := imgH + summaryH
	img := image.NewRGBA(image.Rect(0, 0, imgW, totalH))

	// Weight map, linearly stretched to [0, 255]
	wht := acc.Wht.DataFloat32()
	_, hi := matMinMax(acc.Wht)
	if hi <= 0 {
		hi = 1
	}
	for y := 0; y < totalH; y++ {
		for x := 0; x < imgW; x++ {
			c := color.RGBA{0, 0, 0, 255}
			if y < imgH {
				sx := min(int(float64(x)/scale), acc.Width-1)
				sy := min(int(float64(y)*float64(acc.Height)/float64(imgH)), acc.Height-1)
				v := uint8(max(0, min(wht[sy*acc.Width+sx]/hi, 1)) * 255)
				c = color.RGBA{v, v, v, 255}
			}
			img.Set(x, y, c)
		}
	}

	xBounds, yBounds := zoneBounds(imgW), zoneBounds(imgH)

	gridColor := color.RGBA{255, 255, 255, 180}
	for x := 0; x < imgW; x++ {
		img.Set(x, yBounds[1][0], gridColor)
		img.Set(x, yBounds[2][0], gridColor)
	}
	for y := 0; y < imgH; y++ {
		img.Set(xBounds[1][0], y, gridColor)
		img.Set(xBounds[2][0], y, gridColor)
	}

	face := basicfont.Face7x13
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			zone := cov.Zones[row*3+col]
			cx := (xBounds[col][0] + xBounds[col][1]) / 2
			cy := (yBounds[row][0] + yBounds[row][1]) / 2
			textColor := coverageColor(zone.Covered)
			drawCenteredText(img, face, zone.Label, cx, cy-14, textColor)
			drawCenteredText(img, face, fmt.Sprintf("%.1f%%", zone.Covered*100), cx, cy+2, textColor)
			drawCenteredText(img, face, fmt.Sprintf("w=%.3g", zone.MeanWeight), cx, cy+16, textColor)
		}
	}

	summaryColor := color.RGBA{220, 220, 220, 255}
	summaryY := imgH + 15
	drawText(img, face, title, 10, summaryY, summaryColor)
	drawText(img, face, fmt.Sprintf("Coverage: %.1f%%  mean weight %.3g (sd %.3g)",
		cov.Covered*100, cov.MeanWeight, cov.StdWeight), 10, summaryY+18, summaryColor)

	return img, nil
}

// coverageColor goes from red (empty) through yellow to green (full).
func coverageColor(frac float64) color.RGBA {
	switch {
	case frac >= 0.99:
		return color.RGBA{80, 255, 80, 255}
	case frac >= 0.75:
		return color.RGBA{255, 220, 60, 255}
	default:
		return color.RGBA{255, 80, 80, 255}
	}
}

// drawText draws a string at (x, y) using the given font face.
func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// drawCenteredText draws a string centered at (cx, cy).
func drawCenteredText(img *image.RGBA, face font.Face, s string, cx, cy int, c color.RGBA) {
	advance := font.MeasureString(face, s)
	x := cx - advance.Round()/2
	drawText(img, face, s, x, cy, c)
}
