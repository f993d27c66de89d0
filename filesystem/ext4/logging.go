package ext4

import (
	"github.com/sirupsen/logrus"
)

// log is the package-level structured logger and the package's only global. It is set when
// the package is initialized; Mkfs and Mount do not bind a logger of their own. WithLogger
// is the only place the library replaces it.
var log = logrus.WithField("component", "ext4")

// WithLogger rebinds the package logger used by every subsequent log call. It is provided
// for callers embedding this library inside a larger service with its own logrus instance.
func WithLogger(entry *logrus.Entry) {
	if entry != nil {
		log = entry
	}
}
