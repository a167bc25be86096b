package main

import (
	"github.com/bottlevision/pipeline/internal/capture"
	"github.com/bottlevision/pipeline/internal/config"
	"github.com/bottlevision/pipeline/internal/netsource"
)

func newNetSource(cfg config.Capture) (capture.Source, error) {
	return netsource.New(cfg.Address, cfg.Width, cfg.Height, cfg.Quality, cfg.TargetFPS)
}
