package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Audit writes entity-mutation records to a dedicated file. Records are
// human-readable lines tagged with the mutation kind, e.g.
// "[CHARGER-NEW] abc-123;CP Alias;grp". A nil Audit discards records, so
// callers never need to check whether auditing is configured.
type Audit struct {
	logger zerolog.Logger
	file   *os.File
}

// NewAudit opens (appending) the audit file at path. An empty path
// returns nil, which disables auditing.
func NewAudit(path string) (*Audit, error) {
	if path == "" {
		return nil, nil
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file %s: %w", path, err)
	}
	writer := zerolog.ConsoleWriter{
		Out:        file,
		NoColor:    true,
		TimeFormat: "2006-01-02 15:04:05",
	}
	return &Audit{
		logger: zerolog.New(writer).With().Timestamp().Logger(),
		file:   file,
	}, nil
}

// Record appends one audit line tagged with kind.
func (a *Audit) Record(kind string, format string, args ...interface{}) {
	if a == nil {
		return
	}
	a.logger.Info().Msgf("["+kind+"] "+format, args...)
}

// Close releases the audit file.
func (a *Audit) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	return a.file.Close()
}
