package log

import (
	"log/slog"

	"github.com/lmittmann/tint"
)

const timeFormat = "060102 15:04:05.000"

func setupSLog(level Severity) {
	handlerLogLevel := level.toSLogLevel()

	logHandler := tint.NewHandler(GlobalWriter, &tint.Options{
		AddSource:  true,
		Level:      handlerLogLevel,
		TimeFormat: timeFormat,
		NoColor:    !GlobalWriter.IsTerminal(),
	})

	// Set as default logger.
	slog.SetDefault(slog.New(logHandler))
	// Set actual log level.
	slog.SetLogLoggerLevel(handlerLogLevel)
}
