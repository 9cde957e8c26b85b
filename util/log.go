package util

import (
	"io"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sshfleet/sshfleet/fleet/server/context"
	"github.com/sshfleet/sshfleet/formatter"
)

type LogSource string

const (
	FailoverSource   LogSource = "FAILOVER"
	ReconcilerSource LogSource = "RECONCILER"
	MigrationSource  LogSource = "MIGRATION"
	SyncSource       LogSource = "SYNC"
	SystemSource     LogSource = "SYSTEM"
)

// LogConsole sends logs to stderr instead of a rotated file
const LogConsole = "console"

// SourceKey is the context key holding the LogSource of a log entry
const SourceKey = "source"

// InitLog parses and sets log-level input
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	if logPath != "" && logPath != LogConsole {
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		log.SetOutput(io.Writer(lumberjackLogger))
	}

	log.SetFormatter(&CustomFormatter{inner: formatter.NewTextFormatter()})
	log.SetReportCaller(true)
	log.AddHook(formatter.NewContextHook())
	log.SetLevel(level)
	return nil
}

// CustomFormatter enriches entries with the job, server and account carried by the context
type CustomFormatter struct {
	inner log.Formatter
}

func (f *CustomFormatter) Format(entry *log.Entry) ([]byte, error) {
	if entry.Context == nil {
		return f.inner.Format(entry)
	}

	source, _ := entry.Context.Value(SourceKey).(LogSource)
	switch source {
	case FailoverSource:
		if jobID, ok := entry.Context.Value(context.JobIDKey).(string); ok {
			entry.Data[formatter.JobKey] = jobID
		}
		if ip, ok := entry.Context.Value(context.ServerIPKey).(string); ok {
			entry.Data[formatter.ServerKey] = ip
		}
	case ReconcilerSource, MigrationSource, SyncSource:
		if username, ok := entry.Context.Value(context.UsernameKey).(string); ok {
			entry.Data[formatter.UsernameKey] = username
		}
		if ip, ok := entry.Context.Value(context.ServerIPKey).(string); ok {
			entry.Data[formatter.ServerKey] = ip
		}
	case SystemSource:
	default:
		return f.inner.Format(entry)
	}

	entry.Data[formatter.LoopKey] = string(source)
	return f.inner.Format(entry)
}
