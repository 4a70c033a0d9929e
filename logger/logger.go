package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields type alias for logrus.Fields to maintain compatibility
type Fields map[string]interface{}

// Log wraps logrus.Logger with additional functionality
type Log struct {
	*logrus.Logger
}

// Entry wraps logrus.Entry with additional functionality
type Entry struct {
	*logrus.Entry
}

var globalLogger *Log

func init() {
	globalLogger = Logger()
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	file := filepath.Base(f.File)
	return "", fmt.Sprintf("%s:%d", file, f.Line)
}

func jsonFormatter() *logrus.JSONFormatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: callerPrettyfier,
	}
}

// Logger builds a JSON logger whose level defaults to LOG_LEVEL or info.
func Logger() *Log {
	l := logrus.New()
	l.SetReportCaller(true)
	if lvl, err := parseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	l.SetFormatter(jsonFormatter())
	l.AddHook(&callerHook{})
	return &Log{Logger: l}
}

// parseLevel accepts logrus level names plus "report", which logs at info so
// the periodic runtime report stays visible. An empty level means info.
func parseLevel(level string) (logrus.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "", "report":
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level '%s'", level)
	}
	return lvl, nil
}

func GetLogger() *Log {
	return globalLogger
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

func (e *Entry) component() string {
	c, _ := e.Entry.Data["component"].(string)
	return c
}

func (e *Entry) Info(args ...interface{}) {
	e.Entry.Info(args...)
}

// Warn and Error also feed the per family counters read by the runtime report.
func (e *Entry) Warn(args ...interface{}) {
	if c := e.component(); c != "" {
		recordWarn(c)
	}
	e.Entry.Warn(args...)
}

func (e *Entry) Debug(args ...interface{}) {
	e.Entry.Debug(args...)
}

func (e *Entry) Error(args ...interface{}) {
	if c := e.component(); c != "" {
		recordError(c)
	}
	e.Entry.Error(args...)
}

// DebugEnabled reports whether debug entries would be emitted. Hot paths
// check it before building fields.
func (e *Entry) DebugEnabled() bool {
	return e.Entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

// LogMetric logs one metric line for the entry's component. Numeric values
// are also pushed to CloudWatch, with string fields as dimensions.
func (e *Entry) LogMetric(metric string, value interface{}, metricType string, fields Fields) {
	if metricType == "" {
		metricType = "counter"
	}
	line := Fields{"metric": metric, "value": value, "metric_type": metricType}
	for k, v := range fields {
		line[k] = v
	}
	e.WithFields(line).Info("metric")

	val, ok := asFloat(value)
	if !ok {
		return
	}
	unit := cwtypes.StandardUnitCount
	if metricType == "gauge" {
		unit = cwtypes.StandardUnitNone
	}
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(e.component())}}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	publishMetrics(context.Background(), []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(val),
	}})
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Configure applies the logging section of the config. LOG_LEVEL, when set,
// wins over the configured level.
func (l *Log) Configure(level string, format string, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if level == "" {
		level = "info"
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}

	var formatter logrus.Formatter
	switch format {
	case "json", "":
		formatter = jsonFormatter()
	case "text":
		formatter = &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		}
	default:
		return fmt.Errorf("invalid log format '%s'", format)
	}

	out, err := openOutput(output, maxAge)
	if err != nil {
		return err
	}

	l.SetLevel(lvl)
	l.SetReportCaller(true)
	l.SetFormatter(formatter)
	l.SetOutput(out)
	return nil
}

// openOutput maps stdout/stderr to the process streams and anything else to a
// file, rotated by lumberjack when maxAge (days) is positive.
func openOutput(output string, maxAge int) (io.Writer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if maxAge > 0 {
		return &lumberjack.Logger{
			Filename: output,
			MaxAge:   maxAge,
			MaxSize:  100,
			Compress: true,
		}, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", output, err)
	}
	return file, nil
}

// Performance logging helper
func LogPerformanceEntry(entry *Entry, component string, operation string, duration time.Duration, fields Fields) {
	if fields == nil {
		fields = make(Fields)
	}
	fields["duration_ms"] = float64(duration.Nanoseconds()) / 1e6
	fields["operation"] = operation

	entry.WithFields(fields).WithComponent(component).Debug("performance metric")
}

// Data flow logging helper
func LogDataFlowEntry(entry *Entry, source string, destination string, recordCount int, dataType string) {
	entry.WithFields(Fields{
		"source":       source,
		"destination":  destination,
		"record_count": recordCount,
		"data_type":    dataType,
		"flow_type":    "data_flow",
	}).Debug("data flow metric")
}
