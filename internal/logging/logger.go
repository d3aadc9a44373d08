// Package logging provides config-driven categorized logging for the relay.
// Every subsystem logs through a named category so output can be filtered
// per concern. The backend is a single zap core built by Initialize; until
// then every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and shutdown
	CategoryPoller     Category = "poller"     // Feed scanning and dispatch
	CategoryClassifier Category = "classifier" // Entry classification
	CategoryGate       Category = "gate"       // Per-agent exclusion
	CategorySession    Category = "session"    // Session registry lifecycle
	CategoryBrowser    Category = "browser"    // Browser automation
	CategoryDetector   Category = "detector"   // Completion detection
	CategoryExtract    Category = "extract"    // Output extraction
	CategoryPipeline   Category = "pipeline"   // Task state machine
	CategoryStore      Category = "store"      // Feed/state store
	CategoryLedger     Category = "ledger"     // Processed id persistence
	CategoryAudit      Category = "audit"      // Workspace audit
	CategoryBriefing   Category = "briefing"   // Briefing content
)

// Config controls the zap backend.
type Config struct {
	Level      string          // debug, info, warn, error
	JSONFormat bool            // JSON encoder instead of console
	File       string          // optional log file, appended to
	Categories map[string]bool // nil = all enabled
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
	sinkFile   *os.File
)

// Initialize builds the shared zap core. Safe to call more than once; the
// previous core is replaced and cached category loggers are dropped.
func Initialize(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if cfg.JSONFormat {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		sinks = append(sinks, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), zap.NewAtomicLevelAt(level))

	mu.Lock()
	defer mu.Unlock()
	if sinkFile != nil {
		_ = sinkFile.Close()
	}
	sinkFile = file
	base = zap.New(core)
	categories = cfg.Categories
	loggers = make(map[Category]*Logger)
	return nil
}

// UseLogger installs an existing zap logger as the backend. Used by the CLI
// when a command already built one, and by tests with zaptest observers.
func UseLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	base = l
	loggers = make(map[Category]*Logger)
}

// Base returns the root zap logger.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	enabled := IsCategoryEnabled(category)

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	z := zap.NewNop()
	if enabled {
		z = base.Named(string(category))
	}
	l := &Logger{category: category, sugar: z.Sugar()}
	loggers[category] = l
	return l
}

// Sync flushes buffered entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

// Category returns the logger's category.
func (l *Logger) Category() Category { return l.category }

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a child logger carrying structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }

// Poller logs to the poller category
func Poller(format string, args ...interface{}) { Get(CategoryPoller).Info(format, args...) }

// PollerDebug logs debug to the poller category
func PollerDebug(format string, args ...interface{}) { Get(CategoryPoller).Debug(format, args...) }

// PollerWarn logs a warning to the poller category
func PollerWarn(format string, args ...interface{}) { Get(CategoryPoller).Warn(format, args...) }

// ClassifierDebug logs debug to the classifier category
func ClassifierDebug(format string, args ...interface{}) {
	Get(CategoryClassifier).Debug(format, args...)
}

// GateDebug logs debug to the gate category
func GateDebug(format string, args ...interface{}) { Get(CategoryGate).Debug(format, args...) }

// Session logs to the session category
func Session(format string, args ...interface{}) { Get(CategorySession).Info(format, args...) }

// SessionWarn logs a warning to the session category
func SessionWarn(format string, args ...interface{}) { Get(CategorySession).Warn(format, args...) }

// Browser logs to the browser category
func Browser(format string, args ...interface{}) { Get(CategoryBrowser).Info(format, args...) }

// BrowserDebug logs debug to the browser category
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }

// BrowserWarn logs a warning to the browser category
func BrowserWarn(format string, args ...interface{}) { Get(CategoryBrowser).Warn(format, args...) }

// DetectorDebug logs debug to the detector category
func DetectorDebug(format string, args ...interface{}) { Get(CategoryDetector).Debug(format, args...) }

// DetectorWarn logs a warning to the detector category
func DetectorWarn(format string, args ...interface{}) { Get(CategoryDetector).Warn(format, args...) }

// ExtractWarn logs a warning to the extract category
func ExtractWarn(format string, args ...interface{}) { Get(CategoryExtract).Warn(format, args...) }

// ExtractDebug logs debug output to the extract category
func ExtractDebug(format string, args ...interface{}) { Get(CategoryExtract).Debug(format, args...) }

// Pipeline logs to the pipeline category
func Pipeline(format string, args ...interface{}) { Get(CategoryPipeline).Info(format, args...) }

// PipelineDebug logs debug to the pipeline category
func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debug(format, args...) }

// PipelineWarn logs a warning to the pipeline category
func PipelineWarn(format string, args ...interface{}) { Get(CategoryPipeline).Warn(format, args...) }

// PipelineError logs an error to the pipeline category
func PipelineError(format string, args ...interface{}) { Get(CategoryPipeline).Error(format, args...) }

// Store logs to the store category
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreWarn logs a warning to the store category
func StoreWarn(format string, args ...interface{}) { Get(CategoryStore).Warn(format, args...) }

// StoreDebug logs debug output to the store category
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Ledger logs to the ledger category
func Ledger(format string, args ...interface{}) { Get(CategoryLedger).Info(format, args...) }

// Audit logs to the audit category
func Audit(format string, args ...interface{}) { Get(CategoryAudit).Info(format, args...) }

// AuditWarn logs a warning to the audit category
func AuditWarn(format string, args ...interface{}) { Get(CategoryAudit).Warn(format, args...) }

// Briefing logs to the briefing category
func Briefing(format string, args ...interface{}) { Get(CategoryBriefing).Info(format, args...) }

// BriefingWarn logs a warning to the briefing category
func BriefingWarn(format string, args ...interface{}) { Get(CategoryBriefing).Warn(format, args...) }
