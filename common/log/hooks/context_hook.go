package hooks

import (
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// contextHook adds a file:line field to every log entry, pointing at the
// callsite that invoked logrus.
type contextHook struct {
}

func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	stack := debug.Stack()
	lines := strings.Split(string(stack), "\n")
	foundLoggerBlock := false
	incr := 1
	for i := 0; i < len(lines); i = i + incr {
		if strings.Contains(lines[i], "context_hook.go:") {
			foundLoggerBlock = true
			incr = 2
			continue
		}
		if !foundLoggerBlock {
			continue
		}
		if strings.Contains(lines[i], "sirupsen/logrus") {
			continue
		}
		ctx := strings.Split(lines[i], "snapbase-sub001/")
		entry.Data["file:line"] = strings.TrimSpace(ctx[len(ctx)-1])
		break
	}
	return nil
}
