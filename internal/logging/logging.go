package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logg = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	l.SetOutput(os.Stdout)
	return l
}

func Logger() *logrus.Logger {
	return logg
}

// Configure sets the level by name; unknown names keep the current level.
func Configure(level string) {
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return
	}
	logg.SetLevel(parsed)
}

func Module(name string) *logrus.Entry {
	return logg.WithField("module", name)
}

func LogError(moduleName string, funcName string, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logg.WithFields(fields).Error(err.Error())
}
