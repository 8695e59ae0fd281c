package emit

import (
	"io"
	"os"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogEmitter writes every event as one structured zap log line.
//
// Events carrying an "error" meta key are logged at warn level, everything
// else at info level. Meta keys become fields in sorted order.
//
// Usage:
//
//	logger, _ := zap.NewProduction()
//	emitter := emit.NewLogEmitter(logger)
//
//	// or straight to a writer
//	emitter := emit.NewWriterLogEmitter(os.Stderr, true)
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter wraps an existing logger. A nil logger discards output.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmitter{logger: logger.Named("stagegraph")}
}

// NewWriterLogEmitter builds a logger writing to w, JSON encoded when
// jsonMode is set and console encoded otherwise.
func NewWriterLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if jsonMode {
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.DebugLevel)
	return NewLogEmitter(zap.New(core))
}

// Emit writes event. It never fails the caller.
func (l *LogEmitter) Emit(event Event) {
	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields, zap.String("run_id", event.RunID))
	if event.Generation >= 0 {
		fields = append(fields, zap.Int("generation", event.Generation))
	}
	if event.Stage != "" {
		fields = append(fields, zap.String("stage", event.Stage))
	}

	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, event.Meta[k]))
	}

	if _, failed := event.Meta["error"]; failed {
		l.logger.Warn(event.Msg, fields...)
		return
	}
	l.logger.Info(event.Msg, fields...)
}

// Sync flushes buffered log entries.
func (l *LogEmitter) Sync() error {
	return l.logger.Sync()
}
