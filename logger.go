package docuwise

import (
	"github.com/teilomillet/docuwise/rag"
)

// Logger is the leveled key-value logger accepted by Ingestor and Retriever.
type Logger = rag.Logger

// LogLevel is the verbosity of the package-wide logger.
type LogLevel = rag.LogLevel

// SetLogLevel sets the level of rag.GlobalLogger, which every component
// logs to unless given its own Logger.
func SetLogLevel(level LogLevel) {
	rag.SetGlobalLogLevel(level)
}

// ParseLogLevel maps a config value such as "debug" or "warn" to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	return rag.ParseLogLevel(s)
}
