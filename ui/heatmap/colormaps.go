// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package heatmap

import (
	"image/color"
	"math"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"
)

// ColorMap maps a value in [0, 1] to a color. Values outside the range are clamped, and NaN maps to 0.5.
type ColorMap func(v float64) color.NRGBA

// Names of the color maps, as used by ColorMapByName.
const (
	NameBWR      = "bwr"
	NameColdNHot = "coldnhot"
	NameGray     = "gray"
)

// FromPalette returns a ColorMap from a gonum palette.ColorMap, whose range is set to [0, 1].
func FromPalette(cmap palette.ColorMap) ColorMap {
	cmap.SetMin(0)
	cmap.SetMax(1)
	return func(v float64) color.NRGBA {
		if math.IsNaN(v) {
			v = 0.5
		}
		c, err := cmap.At(math.Max(0, math.Min(1, v)))
		if err != nil {
			exceptions.Panicf("heatmap: color map failed for value %g: %v", v, err)
		}
		return color.NRGBAModel.Convert(c).(color.NRGBA)
	}
}

// luminance returns a perceptually linear color map through the given colors, of increasing luminance.
func luminance(colors ...color.Color) palette.ColorMap {
	return must.M1(moreland.NewLuminance(colors))
}

// diverging joins two color maps: low covers [0, 0.5] and high covers [0.5, 1].
func diverging(low, high ColorMap) ColorMap {
	return func(v float64) color.NRGBA {
		if math.IsNaN(v) {
			v = 0.5
		}
		if v < 0.5 {
			return low(2 * v)
		}
		return high(2*v - 1)
	}
}

var (
	black     = color.NRGBA{A: 255}
	white     = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	blue      = color.NRGBA{B: 255, A: 255}
	lightBlue = color.NRGBA{G: 255, B: 255, A: 255}
	red       = color.NRGBA{R: 255, A: 255}
	yellow    = color.NRGBA{R: 255, G: 255, A: 255}
)

var (
	// BWR goes from blue (0) through light gray (0.5) to red (1): negative relevance is blue.
	BWR = FromPalette(moreland.SmoothBlueRed())

	// ColdNHot goes from light blue (0) through blue and black (0.5) to red and yellow (1).
	ColdNHot = diverging(
		FromPalette(palette.Reverse(luminance(black, blue, lightBlue))),
		FromPalette(luminance(black, red, yellow)))

	// Gray goes from black (0) to white (1).
	Gray = FromPalette(luminance(black, white))
)

var colorMaps = map[string]ColorMap{
	NameBWR:      BWR,
	NameColdNHot: ColdNHot,
	NameGray:     Gray,
}

// ColorMapByName returns one of the color maps of this package, see the Name* constants.
func ColorMapByName(name string) (ColorMap, error) {
	cmap, found := colorMaps[name]
	if !found {
		return nil, errors.Errorf("unknown color map %q, valid names are %s", name,
			strings.Join(ColorMapNames(), ", "))
	}
	return cmap, nil
}

// ColorMapNames returns the sorted names of the color maps.
func ColorMapNames() []string { return xslices.SortedKeys(colorMaps) }
