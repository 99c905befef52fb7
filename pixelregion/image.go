// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pixelregion

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/NVIDIA/tilecache/blunder"
)

// pixel layouts the image bridge understands, by (bpp, channels)
const (
	layoutGray = iota
	layoutGrayAlpha
	layoutRGB
	layoutRGBA
)

func (region *Region) layout() (layout int, err error) {
	switch [2]int{region.bpp, region.drawable.NumChannels()} {
	case [2]int{1, 1}:
		layout = layoutGray
	case [2]int{2, 2}:
		layout = layoutGrayAlpha
	case [2]int{3, 3}:
		layout = layoutRGB
	case [2]int{4, 4}:
		layout = layoutRGBA
	default:
		err = blunder.NewError(blunder.NotSupportedError, "no image layout for %d bytes per pixel in %d channels",
			region.bpp, region.drawable.NumChannels())
		return
	}

	err = nil
	return
}

// ImportImage writes img into the region, scaling it to the region's size if
// the two differ.
func ImportImage(region *Region, img image.Image) (err error) {
	layout, err := region.layout()
	if nil != err {
		return
	}

	bounds := image.Rect(0, 0, region.w, region.h)
	buf := make([]byte, region.w*region.h*region.bpp)

	if layoutGray == layout {
		gray := image.NewGray(bounds)
		drawInto(gray, img)
		copy(buf, gray.Pix)
	} else {
		nrgba := image.NewNRGBA(bounds)
		drawInto(nrgba, img)
		for i := 0; i < region.w*region.h; i++ {
			p := nrgba.Pix[i*4 : i*4+4]
			q := buf[i*region.bpp : (i+1)*region.bpp]
			switch layout {
			case layoutGrayAlpha:
				q[0] = color.GrayModel.Convert(color.NRGBA{R: p[0], G: p[1], B: p[2], A: 0xFF}).(color.Gray).Y
				q[1] = p[3]
			default:
				copy(q, p)
			}
		}
	}

	err = region.SetRect(buf, region.x, region.y, region.w, region.h)
	return
}

func drawInto(dst draw.Image, src image.Image) {
	if src.Bounds().Size() == dst.Bounds().Size() {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
		return
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
}

// ExportImage reads the region into an *image.Gray (single channel drawables)
// or an *image.NRGBA.
func ExportImage(region *Region) (img image.Image, err error) {
	layout, err := region.layout()
	if nil != err {
		return
	}

	buf := make([]byte, region.w*region.h*region.bpp)
	err = region.GetRect(buf, region.x, region.y, region.w, region.h)
	if nil != err {
		return
	}

	bounds := image.Rect(0, 0, region.w, region.h)

	if layoutGray == layout {
		gray := image.NewGray(bounds)
		copy(gray.Pix, buf)
		img = gray
		err = nil
		return
	}

	nrgba := image.NewNRGBA(bounds)
	for i := 0; i < region.w*region.h; i++ {
		p := nrgba.Pix[i*4 : i*4+4]
		q := buf[i*region.bpp : (i+1)*region.bpp]
		switch layout {
		case layoutGrayAlpha:
			p[0], p[1], p[2], p[3] = q[0], q[0], q[0], q[1]
		case layoutRGB:
			p[0], p[1], p[2], p[3] = q[0], q[1], q[2], 0xFF
		default:
			copy(p, q)
		}
	}
	img = nrgba

	err = nil
	return
}

// ExportPreview exports the region scaled to fit within maxDim x maxDim,
// keeping its aspect ratio. Regions already small enough are not scaled.
func ExportPreview(region *Region, maxDim int) (preview image.Image, err error) {
	if 0 >= maxDim {
		err = blunder.NewError(blunder.InvalidArgError, "ExportPreview(): maxDim %d must be positive", maxDim)
		return
	}

	img, err := ExportImage(region)
	if nil != err {
		return
	}

	if (region.w <= maxDim) && (region.h <= maxDim) {
		preview = img
		return
	}

	w, h := maxDim, maxDim
	if region.w >= region.h {
		h = maxInt(1, region.h*maxDim/region.w)
	} else {
		w = maxInt(1, region.w*maxDim/region.h)
	}

	scaled := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)
	preview = scaled

	err = nil
	return
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
