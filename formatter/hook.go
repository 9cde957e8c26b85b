package formatter

import (
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// roots are the top level directories of this repository
var roots = []string{"fleet/", "util/", "formatter/"}

// ContextHook records the caller as a repository relative file:line under SourceKey
type ContextHook struct{}

func NewContextHook() *ContextHook {
	return &ContextHook{}
}

func (hook ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook ContextHook) Fire(entry *logrus.Entry) error {
	if entry.Caller == nil {
		return nil
	}
	entry.Data[SourceKey] = fmt.Sprintf("%s:%d", hook.parseSrc(entry.Caller.File), entry.Caller.Line)
	return nil
}

// parseSrc cuts filePath at the last repository root it contains. Files
// outside the repository keep their package directory and name.
func (hook ContextHook) parseSrc(filePath string) string {
	cut := -1
	for _, root := range roots {
		if i := strings.LastIndex(filePath, "/"+root); i > cut {
			cut = i
		}
	}
	if cut >= 0 {
		return filePath[cut+1:]
	}

	_, pkg := path.Split(path.Dir(filePath))
	return pkg + "/" + path.Base(filePath)
}
