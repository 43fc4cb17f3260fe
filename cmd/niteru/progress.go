package main

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// barProgress shows precalculation progress on the terminal.
type barProgress struct {
	out         io.Writer
	description string
	bar         *progressbar.ProgressBar
}

func newBarProgress(out io.Writer, description string) *barProgress {
	return &barProgress{out: out, description: description}
}

func (p *barProgress) Start(total int) {
	p.bar = progressbar.NewOptions64(int64(total),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetDescription(p.description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionClearOnFinish(),
	)
}

func (p *barProgress) Increment() {
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

func (p *barProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}
