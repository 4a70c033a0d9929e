package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const selfPackage = "bookflow/logger."

// callerHook rewrites the caller reported by logrus so it points at the
// first frame outside logrus and the Entry/Log wrappers of this package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	var pcs [24]uintptr
	n := runtime.Callers(4, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isWrapperFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isWrapperFrame(fn string) bool {
	if strings.Contains(fn, "sirupsen/logrus") {
		return true
	}
	// test functions of this package are real call sites
	return strings.HasPrefix(fn, selfPackage) && !strings.HasPrefix(fn, selfPackage+"Test")
}
