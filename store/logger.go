package store

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
)

// logger adapts logr to badger's printf-style Logger.
type logger struct {
	l logr.Logger
}

func msg(format string, args ...any) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}

func (g logger) Errorf(format string, args ...any) {
	g.l.Error(nil, msg(format, args...))
}

func (g logger) Warningf(format string, args ...any) {
	g.l.Info(msg(format, args...), "badger", "warning")
}

func (g logger) Infof(format string, args ...any) {
	g.l.V(1).Info(msg(format, args...))
}

func (g logger) Debugf(format string, args ...any) {
	g.l.V(2).Info(msg(format, args...))
}
