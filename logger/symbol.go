package logger

import (
	"github.com/teranos/agentdeploy/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// The symbol travels as a structured field, not in the message, so lines
// stay queryable by symbol.
//
// Usage:
//
//	log := logger.AddSchedulerSymbol(baseLogger)
//	log.Infow("Claimed job", "job_id", id)

// AddSchedulerSymbol wraps a logger with the scheduler symbol (꩜)
func AddSchedulerSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Scheduler)
}

// AddStartSymbol wraps a logger with the startup symbol (✿)
func AddStartSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Start)
}

// AddStopSymbol wraps a logger with the shutdown symbol (❀)
func AddStopSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Stop)
}

// AddStoreSymbol wraps a logger with the store symbol (⊔)
func AddStoreSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Store)
}

// AddStageSymbol wraps a logger with the glyph of a pipeline stage.
func AddStageSymbol(l *zap.SugaredLogger, stage string) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.ForStage(stage))
}

// AddFeedSymbol wraps a logger with the fan-out and dispatch symbol (⟶)
func AddFeedSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Feed)
}
