package formatter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Field names the fleet loops attach to their entries
const (
	LoopKey     = "loop"
	JobKey      = "job"
	ServerKey   = "server"
	UsernameKey = "username"
	SourceKey   = "source"
)

// leading fields are printed first, in this order, so lines of one job or server line up
var leading = []string{JobKey, ServerKey, UsernameKey}

var levelTags = map[logrus.Level]string{
	logrus.PanicLevel: "PANC",
	logrus.FatalLevel: "FATL",
	logrus.ErrorLevel: "ERRO",
	logrus.WarnLevel:  "WARN",
	logrus.InfoLevel:  "INFO",
	logrus.DebugLevel: "DEBG",
	logrus.TraceLevel: "TRAC",
}

// TextFormatter renders one line per entry:
// time, level, [LOOP], the leading fields, the other fields sorted, source and message.
type TextFormatter struct {
	timestampFormat string
}

func NewTextFormatter() *TextFormatter {
	return &TextFormatter{timestampFormat: time.RFC3339}
}

func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(entry.Time.Format(f.timestampFormat))
	b.WriteByte(' ')
	b.WriteString(levelTags[entry.Level])

	if loop, ok := entry.Data[LoopKey]; ok {
		fmt.Fprintf(&b, " [%v]", loop)
	}

	for _, key := range leading {
		if v, ok := entry.Data[key]; ok {
			fmt.Fprintf(&b, " %s=%v", key, v)
		}
	}

	rest := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		switch key {
		case LoopKey, JobKey, ServerKey, UsernameKey, SourceKey:
			continue
		}
		rest = append(rest, key)
	}
	sort.Strings(rest)
	for _, key := range rest {
		fmt.Fprintf(&b, " %s=%v", key, entry.Data[key])
	}

	if src, ok := entry.Data[SourceKey]; ok {
		fmt.Fprintf(&b, " %v", src)
	}
	fmt.Fprintf(&b, ": %s\n", entry.Message)
	return []byte(b.String()), nil
}
