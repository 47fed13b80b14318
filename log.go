package sync

import (
	"fmt"
	"log"
	"os"
)

// Logging convention for the sync client:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - protocol desyncs and forced reconnects
//     - dropped optimistic updates
// Error:
//     unrecoverable crash details
// Debug:
//     key events for trace debugging
//     this includes:
//     - connection lifecycle with close reasons
//     - query set modifications and transitions, filterable by tag

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

var GlobalLogLevel = LogLevelUrgent

var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

func Logger() *log.Logger {
	return logger
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			Logger().Printf("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}
