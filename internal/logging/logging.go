package logging

import (
	"github.com/sirupsen/logrus"
)

// Component names used across the codebase.
const (
	CompSyncer     = "syncer"
	CompGmail      = "gmail"
	CompJMAP       = "jmap"
	CompIMAP       = "imap"
	CompAuth       = "auth"
	CompStore      = "store"
	CompBlob       = "blob"
	CompCredential = "credential"
	CompCLI        = "cli"
)

// Init configures the process-wide logger. Unknown level strings fall
// back to info.
func Init(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
}

// Component returns a logger entry tagged with the given component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
