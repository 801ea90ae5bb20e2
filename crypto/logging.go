package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper carries the standard function/package fields so call
// sites only add what is specific to them.
type LoggerHelper struct {
	fields logrus.Fields
}

// NewLogger creates a logger helper for a function in this package.
func NewLogger(function string) *LoggerHelper {
	return &LoggerHelper{
		fields: logrus.Fields{
			"function": function,
			"package":  "crypto",
		},
	}
}

// WithFields adds multiple custom fields.
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithError adds error information.
func (l *LoggerHelper) WithError(err error, operation string) *LoggerHelper {
	l.fields["error"] = err.Error()
	l.fields["operation"] = operation
	return l
}

// Warn logs a warning message.
func (l *LoggerHelper) Warn(message string) { logrus.WithFields(l.fields).Warn(message) }

// keyPreview shows the first bytes of a key for log correlation.
// Only public values are passed here.
func keyPreview(data []byte, name string) logrus.Fields {
	n := len(data)
	if n > 8 {
		n = 8
	}
	return logrus.Fields{
		name + "_prefix": fmt.Sprintf("%x", data[:n]),
	}
}
