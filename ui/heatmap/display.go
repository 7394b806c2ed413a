// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package heatmap

import (
	"fmt"
	"image"
	"strings"

	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/ui/notebooks"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// Display the images in one row, with their titles, when running in a notebook. It is a no-op otherwise.
func Display(titles []string, images ...image.Image) error {
	if !notebooks.IsNotebook() {
		return nil
	}
	var parts []string
	for ii, img := range images {
		imgSrc, err := notebooks.EmbedImageSrc(img)
		if err != nil {
			return errors.Wrapf(err, "failed to embed image #%d", ii)
		}
		title := ""
		if ii < len(titles) {
			title = titles[ii]
		}
		parts = append(parts, fmt.Sprintf(`<figure style="display:inline-block"><img src="%s"><figcaption>%s</figcaption></figure>`,
			imgSrc, title))
	}
	return notebooks.DisplayHTML(fmt.Sprintf("<div style=\"overflow-x: auto\">\n\t%s</div>\n", strings.Join(parts, "\n\t")))
}

// Histogram plots the distribution of the relevance values with the given number of bins.
func Histogram(relevance *tensors.Tensor, bins int, title string) (*plot.Plot, error) {
	hist, err := plotter.NewHist(plotter.Values(relevance.Flat()), bins)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create relevance histogram")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "relevance"
	p.Y.Label.Text = "count"
	p.Add(hist)
	return p, nil
}

// Histogram sizes.
var (
	HistogramWidth  = 8 * vg.Inch
	HistogramHeight = 4 * vg.Inch
)

// SaveHistogram saves the plot as an image, with the format given by the extension of filePath.
func SaveHistogram(p *plot.Plot, filePath string) error {
	if err := p.Save(HistogramWidth, HistogramHeight, filePath); err != nil {
		return errors.Wrapf(err, "failed to save histogram to %q", filePath)
	}
	return nil
}

// DisplayHistogram displays the plot when running in a notebook. It is a no-op otherwise.
func DisplayHistogram(p *plot.Plot) error {
	if !notebooks.IsNotebook() {
		return nil
	}
	imgSrc, err := notebooks.EmbedImageSrc(HistogramImage(p))
	if err != nil {
		return err
	}
	return notebooks.DisplayHTML(fmt.Sprintf(`<img src="%s">`, imgSrc))
}

// HistogramImage renders the plot in an image of size HistogramWidth x HistogramHeight.
func HistogramImage(p *plot.Plot) image.Image {
	canvas := vgimg.New(HistogramWidth, HistogramHeight)
	p.Draw(draw.New(canvas))
	return canvas.Image()
}
