// Package logging builds the logr.Logger used across kred. Secret values are
// never passed to a logger; call sites log names, key names, and counts only.
package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// New returns a zap-backed logger for the given level string (debug, info,
// warn, or error).
func New(level string) (logr.Logger, error) {
	lower := strings.ToLower(strings.TrimSpace(level))
	opts := crzap.Options{}
	var zapLevel zapcore.Level
	switch lower {
	case "debug":
		opts.Development = true
		zapLevel = zapcore.DebugLevel
	case "info", "":
		zapLevel = zapcore.InfoLevel
	case "warn", "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return logr.Logger{}, fmt.Errorf("unknown log level %q (expected debug, info, warn, or error)", level)
	}
	atomic := zap.NewAtomicLevelAt(zapLevel)
	opts.Level = &atomic
	return crzap.New(crzap.UseFlagOptions(&opts)).WithName("kred"), nil
}
