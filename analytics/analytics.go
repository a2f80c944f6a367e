package analytics

import (
	"context"
	"fmt"
	"os"

	"github.com/mohitkumar/caseflow/events"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type DataCollectorType string

const LOG_FILE_DATA_COLLECTOR DataCollectorType = "LOG_FILE_DATA_COLLECTOR"
const NOOP_DATA_COLLECTOR DataCollectorType = "NOOP"

type DataCollectorConfig struct {
	FileName      string
	CollectorType DataCollectorType
}

// NewDataCollector builds the collector named by config. Collectors consume
// engine events like any other publisher.
func NewDataCollector(config DataCollectorConfig) (events.Publisher, error) {
	switch config.CollectorType {
	case LOG_FILE_DATA_COLLECTOR:
		return NewLogFileDataCollector(config.FileName)
	case NOOP_DATA_COLLECTOR, "":
		return events.Nop(), nil
	}
	return nil, fmt.Errorf("unknown data collector type %q", config.CollectorType)
}

var _ events.Publisher = new(LogFileDataCollector)

// LogFileDataCollector appends one JSON line per node outcome and per
// instance status change.
type LogFileDataCollector struct {
	fileName string
	logger   *zap.Logger
}

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	writer := zapcore.AddSync(logFile)
	core := zapcore.NewCore(fileEncoder, writer, zapcore.InfoLevel)
	return &LogFileDataCollector{
		fileName: fileName,
		logger:   zap.New(core),
	}, nil
}

func (lc *LogFileDataCollector) Publish(ctx context.Context, ev events.Event) {
	switch ev.Type {
	case events.EVENT_LOG_APPENDED:
		if ev.Log == nil || ev.Log.NodeId == "" {
			return
		}
		l := ev.Log
		fields := []zap.Field{
			zap.String("instance", ev.InstanceId),
			zap.String("node", l.NodeId),
			zap.String("nodeName", l.NodeName),
			zap.String("branch", l.BranchId),
			zap.Int64("sequence", l.Sequence),
			zap.String("level", string(l.Level)),
			zap.Duration("duration", l.Duration),
		}
		if l.IsError {
			lc.logger.Info("failure", append(fields, zap.String("reason", l.ErrorDetails))...)
			return
		}
		lc.logger.Info("success", append(fields, zap.String("message", l.Message), zap.Any("data", l.Data))...)
	case events.EVENT_INSTANCE_STATUS:
		lc.logger.Info("instance", zap.String("instance", ev.InstanceId), zap.String("status", string(ev.Status)))
	}
}

func (lc *LogFileDataCollector) Sync() error {
	return lc.logger.Sync()
}
