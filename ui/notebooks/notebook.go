// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package notebooks detects whether the program runs within a notebook, and displays rich content (HTML with
// embedded images) in it.
// It supports GoNB [1] and bash_kernel [2].
//
// [1] GoNB: https://github.com/janpfeifer/gonb
// [2] bash_kernel: https://github.com/takluyver/bash_kernel
package notebooks

import (
	"fmt"
	"image"
	"io"
	"os"

	"github.com/janpfeifer/gonb/gonbui"
	"github.com/pkg/errors"
)

// IsNotebook returns whether running inside a Jupyter notebook.
func IsNotebook() bool {
	return IsBashKernel() || IsGoNB()
}

const bashKernelEnv = "NOTEBOOK_BASH_KERNEL_CAPABILITIES"

// IsBashKernel returns whether running in a Jupyter notebook with a bash_kernel.
func IsBashKernel() bool {
	_, found := os.LookupEnv(bashKernelEnv)
	return found
}

const goNBKernelEnv = "GONB_PIPE"

// IsGoNB returns whether running in a Jupyter notebook with a GoNB kernel.
func IsGoNB() bool {
	_, found := os.LookupEnv(goNBKernelEnv)
	return found
}

// EmbedImageSrc returns a string that can be used as the source (the `src` attribute) of an HTML <img> tag,
// with the image embedded as a base64 encoded PNG.
func EmbedImageSrc(img image.Image) (string, error) {
	src, err := gonbui.EmbedImageAsPNGSrc(img)
	if err != nil {
		return "", errors.WithMessage(err, "failed to embed image in HTML")
	}
	return src, nil
}

// bashKernelHTMLPrefix is the line prefix the bash_kernel recognizes as a pointer to a file with HTML to display.
const bashKernelHTMLPrefix = "bash_kernel: saved html data to: "

// DisplayHTML displays the html content in the notebook. It is a no-op if not running in a notebook.
func DisplayHTML(html string) error {
	switch {
	case gonbui.IsNotebook:
		gonbui.DisplayHTML(html)
		return nil
	case IsBashKernel():
		return displayBashKernelHTML(os.Stdout, html)
	}
	return nil
}

// displayBashKernelHTML saves the html content in a temporary file and writes to w the line that makes the
// bash_kernel display it.
func displayBashKernelHTML(w io.Writer, html string) error {
	file, err := os.CreateTemp("", "bash_kernel.xai.*.html")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary file for notebook HTML")
	}
	fileName := file.Name()
	if _, err = io.WriteString(file, html); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "failed to write notebook HTML to %q", fileName)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", fileName)
	}
	_, err = fmt.Fprintf(w, "%s%s\n", bashKernelHTMLPrefix, fileName)
	return errors.WithStack(err)
}
