package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	mu          sync.RWMutex
	globalSugar *zap.SugaredLogger
	globalBase  *zap.Logger
)

// Init initializes the global zap logger. env can be "prod"/"production";
// anything else selects the development config.
// The stdlib log package is redirected to zap so stray log.Printf calls are captured.
func Init(env string) (*zap.SugaredLogger, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalSugar != nil && globalBase != nil {
		return globalSugar, nil
	}

	var cfg zap.Config
	if strings.EqualFold(env, "prod") || strings.EqualFold(env, "production") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(base)
	_ = zap.RedirectStdLog(base)

	globalBase = base
	globalSugar = base.Sugar()
	return globalSugar, nil
}

func ensure() {
	mu.RLock()
	ready := globalBase != nil
	mu.RUnlock()
	if ready {
		return
	}
	if _, err := Init(os.Getenv("LOG_ENV")); err != nil {
		base, _ := zap.NewDevelopment()
		mu.Lock()
		globalBase = base
		globalSugar = base.Sugar()
		mu.Unlock()
	}
}

// L returns the global sugared logger, initializing it on first use.
func L() *zap.SugaredLogger {
	ensure()
	mu.RLock()
	defer mu.RUnlock()
	return globalSugar
}

// Base returns the base *zap.Logger (non-sugared).
func Base() *zap.Logger {
	ensure()
	mu.RLock()
	defer mu.RUnlock()
	return globalBase
}

// Component returns a child of the base logger tagged with the component name.
func Component(name string) *zap.Logger {
	return Base().With(zap.String("component", name))
}

// Sync flushes any buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if globalBase != nil {
		_ = globalBase.Sync()
	}
}

// GORMWriter adapts gorm's logger.Writer (Printf) onto zap.
type GORMWriter struct{}

// Printf implements gorm.io/gorm/logger.Writer. GORM only routes
// slow-query and error output through the writer, so it logs at Warn.
func (w GORMWriter) Printf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	msg = strings.TrimRight(msg, "\r\n")
	Base().Warn(msg, zap.String("source", "gorm"))
}

// NewGORMWriter creates a new GORM writer adapter
func NewGORMWriter() GORMWriter {
	return GORMWriter{}
}
