package persist

import (
	"log"
	"os"

	"github.com/hexfeed/hexfeedd/build"
)

// Logger is a drop-in *log.Logger that additionally writes a startup line
// when created and a shutdown line when closed, which makes it trivial to
// find where in a log file the daemon was restarted.
type Logger struct {
	*log.Logger
	closeFn func() error
}

// NewLogger returns a Logger that appends to (or creates) the file at
// logFilename, and closes that file when the Logger is closed.
func NewLogger(logFilename string) (*Logger, error) {
	if err := ensureParent(logFilename); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(logFilename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	logger := newWriterLogger(f)
	logger.closeFn = f.Close
	return logger, nil
}

// NewFileLogger is an alias of NewLogger kept for callers (such as a
// component that manages its own persist directory) that prefer the more
// explicit name.
func NewFileLogger(logFilename string) (*Logger, error) {
	return NewLogger(logFilename)
}

// newWriterLogger returns a Logger that writes to w directly, without
// owning or closing it. Used internally by NewLogger once the file handle
// exists.
func newWriterLogger(w logWriter) *Logger {
	l := log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile|log.LUTC)
	logger := &Logger{Logger: l, closeFn: func() error { return nil }}
	logger.Println("STARTUP: logging has started")
	return logger
}

// Close logs a shutdown line and releases the underlying writer.
func (l *Logger) Close() error {
	l.Println("SHUTDOWN: logging has terminated")
	return l.closeFn()
}

// Critical logs a message at critical severity and additionally forwards it
// to build.Critical, which panics in debug builds. Use for conditions that
// indicate a programming error rather than an operational one.
func (l *Logger) Critical(v ...interface{}) {
	l.Println(append([]interface{}{"CRITICAL:"}, v...)...)
	build.Critical(v...)
}

// Severe logs a message at severe severity, for conditions that are bad for
// the user but do not indicate a corrupted program state.
func (l *Logger) Severe(v ...interface{}) {
	l.Println(append([]interface{}{"SEVERE:"}, v...)...)
	build.Severe(v...)
}

// logWriter is satisfied by *os.File and any io.Writer; declared separately
// only so newWriterLogger's signature documents intent.
type logWriter interface {
	Write([]byte) (int, error)
}
