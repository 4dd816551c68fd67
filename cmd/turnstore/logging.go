package main

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-go-golems/turnstore/pkg/config"
)

func initLogger(cfg config.Log) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", cfg.Level)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	// default is json
	var logWriter io.Writer = os.Stderr
	if cfg.Format == "text" {
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr, NoColor: !isatty.IsTerminal(os.Stderr.Fd())}
	}

	if cfg.File != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   cfg.File,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	logger := zerolog.New(logWriter).With().Timestamp()
	if cfg.WithCaller {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()
	zerolog.SetGlobalLevel(level)

	return nil
}
