package log

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
)

var level = flag.String("log_level", "info", "level of log output: debug, info, warning, error")
var dir = flag.String("log_dir", "", "if set, log to file in this directory instead of stdout")
var jsonFormat = flag.Bool("log_json", false, "emit json formatted log lines")

var logger = logrus.New()

// Setup configures the package logger from command line flags
func Setup() {
	lvl, err := logrus.ParseLevel(*level)
	if err != nil {
		logger.Errorf("unknown log level %q, using info", *level)
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if *jsonFormat {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stdout
	if *dir != "" {
		name := filepath.Join(*dir, filepath.Base(os.Args[0])+"."+strconv.Itoa(os.Getpid())+".log")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger.Fatalf("cannot open log file %s: %v", name, err)
		}
		out = f
	}
	logger.SetOutput(out)
}

// SetLevel changes the level at runtime, mostly used by tests
func SetLevel(l logrus.Level) {
	logger.SetLevel(l)
}

// SetOutput redirects log output
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// IsDebug reports whether debug logging is enabled
func IsDebug() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}

func Debug(v ...interface{}) {
	logger.Debug(v...)
}

func Debugf(format string, v ...interface{}) {
	logger.Debugf(format, v...)
}

func Info(v ...interface{}) {
	logger.Info(v...)
}

func Infof(format string, v ...interface{}) {
	logger.Infof(format, v...)
}

func Warning(v ...interface{}) {
	logger.Warn(v...)
}

func Warningf(format string, v ...interface{}) {
	logger.Warnf(format, v...)
}

func Error(v ...interface{}) {
	logger.Error(v...)
}

func Errorf(format string, v ...interface{}) {
	logger.Errorf(format, v...)
}

func Fatal(v ...interface{}) {
	logger.Fatal(v...)
}

func Fatalf(format string, v ...interface{}) {
	logger.Fatalf(format, v...)
}
