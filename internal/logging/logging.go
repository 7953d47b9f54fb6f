// Package logging owns the process-wide zap logger shared by the cmds.
// Library packages take their logger via config instead of reaching for the
// global.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Init builds the global logger based on LOG_LEVEL and redirects the
// standard library logger into zap. Safe to call multiple times.
func Init() *zap.Logger {
	once.Do(func() {
		level := strings.ToLower(os.Getenv("LOG_LEVEL"))
		var l *zap.Logger
		if level == "debug" {
			l, _ = zap.NewDevelopment()
		} else {
			l, _ = zap.NewProduction()
		}
		// Stray log.Printf output from dependencies lands in zap too.
		_ = zap.RedirectStdLog(l)
		logger = l
	})
	return logger
}

// L returns the initialized logger.
func L() *zap.Logger { return logger }

// Sugar returns the printf-style form of the global logger.
func Sugar() *zap.SugaredLogger { return logger.Sugar() }

func init() {
	Init()
}
