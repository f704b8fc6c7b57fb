package logger

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger set by InitLogger.
var Logger *logrus.Logger

// InitLogger builds the process logger. An empty level falls back to
// LOG_LEVEL, then to debug in development and info otherwise. Entries go to
// stderr so that CLI output on stdout stays machine readable.
func InitLogger(level string, development bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(formatter(development))

	lvl, err := parseLevel(level, development)
	log.SetLevel(lvl)
	if err != nil {
		log.WithError(err).Warn("Unknown log level, using info")
	}

	Logger = log
	return log
}

func parseLevel(level string, development bool) (logrus.Level, error) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		if development {
			return logrus.DebugLevel, nil
		}
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel, err
	}
	return lvl, nil
}

// formatter is text for local development unless LOG_FORMAT=json.
func formatter(development bool) logrus.Formatter {
	if development && !strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.DateTime}
	}
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap:        logrus.FieldMap{logrus.FieldKeyMsg: "message"},
	}
}

// GetLogger returns Logger, initialising it at info level on first use.
func GetLogger() *logrus.Logger {
	if Logger == nil {
		return InitLogger("info", false)
	}
	return Logger
}

// WithComponent tags entries with the emitting component.
func WithComponent(name string) *logrus.Entry {
	return GetLogger().WithField("component", name)
}

// WithLeague creates a logger with league-season context
func WithLeague(leagueCode, season string) *logrus.Entry {
	fields := logrus.Fields{"league": leagueCode}
	if season != "" {
		fields["season"] = season
	}
	return GetLogger().WithFields(fields)
}

// WithRun creates a logger with simulation run context
func WithRun(runID, leagueCode string, seed uint64) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"run_id": runID,
		"league": leagueCode,
		"seed":   seed,
	})
}

// WithHTTPContext creates a logger with HTTP request context
func WithHTTPContext(method, path, remote string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"http_method": method,
		"http_path":   path,
		"remote_addr": remote,
	})
}
