package main

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/reelforge/api/internal/config"
	"github.com/reelforge/api/internal/logging"
	"github.com/reelforge/api/internal/transcoder"
)

// toolchain lets tests swap the ffmpeg adapters for fakes.
type toolchain struct {
	factory transcoder.Factory
	prober  transcoder.Prober
}

type commandContext struct {
	configFlag *string
	jsonFlag   *bool
	verbose    *bool
	tools      *toolchain

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.LoadFile(path)
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() zerolog.Logger {
	if c.verbose != nil && *c.verbose {
		return logging.New("debug", "development")
	}
	return logging.New("warn", "development")
}

func (c *commandContext) transcoderConfig() (transcoder.Config, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return transcoder.Config{}, err
	}
	return transcoder.Config{
		FFmpegPath:  cfg.Transcoder.FFmpegPath,
		FFprobePath: cfg.Transcoder.FFprobePath,
		KillGrace:   cfg.Transcoder.KillGrace,
		Threads:     cfg.Transcoder.Threads,
	}, nil
}

func (c *commandContext) factory() (transcoder.Factory, error) {
	if c.tools != nil && c.tools.factory != nil {
		return c.tools.factory, nil
	}
	tcfg, err := c.transcoderConfig()
	if err != nil {
		return nil, err
	}
	return transcoder.NewFactory(tcfg, c.logger()), nil
}

func (c *commandContext) prober() (transcoder.Prober, error) {
	if c.tools != nil && c.tools.prober != nil {
		return c.tools.prober, nil
	}
	tcfg, err := c.transcoderConfig()
	if err != nil {
		return nil, err
	}
	return transcoder.NewFFprobe(tcfg.FFprobePath), nil
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}
