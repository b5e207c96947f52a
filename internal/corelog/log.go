// Package corelog is the ambient structured-logging wrapper shared by
// every netcore component, grounded on nabbar-golib/logger's pattern of
// binding a *logrus.Logger and attaching contextual fields per call site.
package corelog

import "github.com/sirupsen/logrus"

// base is the package-level logger. Components call Loop/Conn/Accept/
// Connect to get a pre-fielded entry rather than constructing their own.
var base = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the package-level log level, e.g. from a command-line
// flag (cmd/echoserver's --verbose).
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// Logger returns the underlying *logrus.Logger for callers that need it
// directly (e.g. wiring into a gin/cobra command's own logger).
func Logger() *logrus.Logger {
	return base
}

// Loop returns a logger scoped to an event loop.
func Loop(id int) *logrus.Entry {
	return base.WithField("loop", id)
}

// Conn returns a logger scoped to a connection name.
func Conn(name string) *logrus.Entry {
	return base.WithField("conn", name)
}

// Accept returns a logger scoped to a listening acceptor.
func Accept(port int) *logrus.Entry {
	return base.WithField("acceptor_port", port)
}

// Connect returns a logger scoped to the outbound connector.
func Connect() *logrus.Entry {
	return base.WithField("component", "connector")
}
