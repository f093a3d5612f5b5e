package common

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// homaLogger implements dragonboat's logger.ILogger with one line per entry:
// "<date> <time> LEVEL | package         | message"
type homaLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *homaLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *homaLogger) Debugf(format string, args ...interface{}) {
	l.log(logger.DEBUG, "DEBUG", format, args...)
}

func (l *homaLogger) Infof(format string, args ...interface{}) {
	l.log(logger.INFO, "INFO", format, args...)
}

func (l *homaLogger) Warningf(format string, args ...interface{}) {
	l.log(logger.WARNING, "WARN", format, args...)
}

func (l *homaLogger) Errorf(format string, args ...interface{}) {
	l.log(logger.ERROR, "ERROR", format, args...)
}

func (l *homaLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log(logger.CRITICAL, "PANIC", "%s", msg)
	panic(msg)
}

func (l *homaLogger) log(at logger.LogLevel, tag string, format string, args ...interface{}) {
	if l.level < at {
		return
	}
	l.logger.Printf("%-5s | %-15s | %s", tag, l.name, fmt.Sprintf(format, args...))
}

// CreateLogger is the logger.Factory installed by InitLoggers
func CreateLogger(pkgName string) logger.ILogger {
	return &homaLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: log.New(os.Stdout, "", log.Ldate|log.Ltime),
	}
}

var logLevels = map[string]logger.LogLevel{
	"debug":   logger.DEBUG,
	"info":    logger.INFO,
	"warning": logger.WARNING,
	"warn":    logger.WARNING,
	"error":   logger.ERROR,
}

func validLogLevel(level string) bool {
	_, ok := logLevels[strings.ToLower(level)]
	return ok
}

// loggerNames lists the loggers used by the engine and its transports
var loggerNames = []string{
	"homa",
	"homa/grant",
	"homa/pacer",
	"homa/timer",
	"homa/peer",
	"transport/udp",
	"transport/memory",
	"cmd",
}

// InitLoggers installs the custom logger factory and sets level on every engine
// logger. It panics on a level Validate would reject.
func InitLoggers(level string) {
	lvl, ok := logLevels[strings.ToLower(level)]
	if !ok {
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}

	logger.SetLoggerFactory(CreateLogger)
	for _, name := range loggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
}
