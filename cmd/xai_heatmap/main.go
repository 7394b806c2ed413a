// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// xai_heatmap computes the attribution of one of the demo models for an image, and saves it as a heatmap.
//
// Example:
//
//	xai_heatmap -model=vgg -image=~/cat.png -config=lrp.hcl -set="attributor=smoothgrad;n_iter=50" -class=3,7 -out=/tmp/heatmap.png
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/models"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/ml/xai/attributors"
	"github.com/gomlx/xai/pkg/ml/xai/config"
	"github.com/gomlx/xai/pkg/support/xslices"
	"github.com/gomlx/xai/ui/commandline"
	"github.com/gomlx/xai/ui/heatmap"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagModel  = flag.String("model", "vgg", `Demo model to explain: "vgg" or "resnet".`)
	flagImage  = flag.String("image", "", "Image to explain. If empty, a random image is used.")
	flagSeed   = flag.Uint64("seed", 42, "Seed of the random image, if -image is not given.")
	flagClasses = xslices.Flag("class", nil, "Comma-separated classes to explain, one heatmap each. "+
		"If empty, the class with the highest score is used.", strconv.Atoi)
	flagConfig = flag.String("config", "", "HCL file with the attribution configuration, see package config. "+
		"Values given with -set take precedence.")
	flagOut       = flag.String("out", "heatmap.png", "Where to save the heatmap. Empty to skip.")
	flagOverlay   = flag.String("overlay", "", "If set, where to save the heatmap drawn over the image.")
	flagHistogram = flag.String("histogram", "", "If set, where to save the histogram of the relevance values.")
	flagCmap      = flag.String("cmap", heatmap.NameBWR, "Color map of the heatmap: "+
		strings.Join(heatmap.ColorMapNames(), ", ")+".")
	flagSymmetric = flag.Bool("symmetric", true, "Center the color map at 0 relevance.")
	flagUpscale   = flag.Int("upscale", 8, "Factor to upscale the saved images.")
	flagOpacity   = flag.Float64("opacity", 0.6, "Opacity of the heatmap over the image, in -overlay.")

	flagSettings = config.CreateSettingsFlag(config.Default(), "set")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		klog.Errorf("xai_heatmap failed: %+v", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *flagConfig != "" {
		var err error
		cfg, err = config.LoadHCL(*flagConfig)
		if err != nil {
			return nil, err
		}
	}
	fieldsSet, err := cfg.ParseSettings(*flagSettings)
	if err != nil {
		return nil, err
	}
	if len(fieldsSet) > 0 {
		klog.V(1).Infof("fields set from the command line: %v", fieldsSet)
	}
	return cfg, cfg.Validate()
}

func newModel(name string) (nn.Module, int, error) {
	switch name {
	case "vgg":
		cfg := models.DefaultVGGConfig()
		return models.VGG(cfg), cfg.ImageSize, nil
	case "resnet":
		cfg := models.DefaultResNetConfig()
		return models.ResNet(cfg), cfg.ImageSize, nil
	}
	return nil, 0, errors.Errorf("unknown model %q, valid values are \"vgg\" and \"resnet\"", name)
}

func loadInput(imageSize int) (*tensors.Tensor, error) {
	if *flagImage == "" {
		return tensors.Uniform(tensors.NewRNG(*flagSeed), shapes.Make(1, 3, imageSize, imageSize), 0, 1), nil
	}
	return heatmap.LoadImage(*flagImage, imageSize)
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cmap, err := heatmap.ColorMapByName(*flagCmap)
	if err != nil {
		return err
	}
	model, imageSize, err := newModel(*flagModel)
	if err != nil {
		return err
	}
	fmt.Printf("Model %q: %s parameters\n", *flagModel, humanize.Comma(int64(nn.CountParameters(model))))
	fmt.Printf("Configuration: %s\n", cfg.Settings())
	input, err := loadInput(imageSize)
	if err != nil {
		return err
	}

	output := must.M1(nn.Forward(model, input))
	classes := *flagClasses
	if len(classes) == 0 {
		scores := output.Flat()
		class := 0
		for ii, score := range scores {
			if score > scores[class] {
				class = ii
			}
		}
		klog.V(1).Infof("explaining predicted class %d (score %g)", class, scores[class])
		classes = []int{class}
	}
	for _, class := range classes {
		if err = explain(cfg, model, input, output, class, cmap, len(classes) > 1); err != nil {
			return errors.WithMessagef(err, "explaining class %d", class)
		}
	}
	return nil
}

// explain computes the attribution of one class and saves its images. With perClass set, the class is
// appended to the names of the saved files.
func explain(cfg *config.Config, model nn.Module, input, output *tensors.Tensor, class int,
	cmap heatmap.ColorMap, perClass bool) error {
	target, err := attributors.OneHot(output.Shape(), class)
	if err != nil {
		return err
	}

	var pBar *commandline.ProgressBar
	var progress attributors.ProgressFn
	if cfg.Attributor != config.AttributorGradient {
		pBar = commandline.NewProgressBar(cfg.NumIterations, cfg.Attributor)
		progress = pBar.Update
	}
	attributor, err := cfg.NewAttributor(model, progress)
	if err != nil {
		return err
	}
	output, attribution, err := attributor.Compute(input, target)
	if pBar != nil {
		pBar.Finish()
	}
	if err != nil {
		return err
	}
	if err = commandline.ReportAttribution(os.Stdout, model, cfg.Composite, output, attribution); err != nil {
		return err
	}
	paths := make([]string, 3)
	for ii, path := range []string{*flagOut, *flagOverlay, *flagHistogram} {
		if path != "" && perClass {
			ext := filepath.Ext(path)
			path = fmt.Sprintf("%s_class%d%s", strings.TrimSuffix(path, ext), class, ext)
		}
		paths[ii] = path
	}
	return saveImages(input, attribution, class, cmap, paths[0], paths[1], paths[2])
}

func saveImages(input, attribution *tensors.Tensor, class int, cmap heatmap.ColorMap,
	outPath, overlayPath, histogramPath string) error {
	heat, err := heatmap.Image(attribution, 0, cmap, *flagSymmetric)
	if err != nil {
		return err
	}
	heat = heatmap.Upscale(heat, *flagUpscale)
	base := heatmap.Upscale(must.M1(heatmap.ToImage(input, 0, 0, 1)), *flagUpscale)
	overlay := heatmap.Overlay(base, heat, *flagOpacity)
	if outPath != "" {
		if err = heatmap.Save(heat, outPath); err != nil {
			return err
		}
		fmt.Printf("Heatmap of class %d saved to %q\n", class, outPath)
	}
	if overlayPath != "" {
		if err = heatmap.Save(overlay, overlayPath); err != nil {
			return err
		}
		fmt.Printf("Overlay saved to %q\n", overlayPath)
	}
	if err = heatmap.Display([]string{"input", fmt.Sprintf("class %d", class), "overlay"}, base, heat, overlay); err != nil {
		return err
	}

	if histogramPath == "" {
		return nil
	}
	p, err := heatmap.Histogram(attribution, 50, fmt.Sprintf("Relevance of class %d (%s)", class,
		filepath.Base(histogramPath)))
	if err != nil {
		return err
	}
	if err = heatmap.SaveHistogram(p, histogramPath); err != nil {
		return err
	}
	return heatmap.DisplayHistogram(p)
}
