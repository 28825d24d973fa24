// Package zap adapts a *zap.Logger to casstack.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/casstack"
)

var _ casstack.Logger = Logger{}

type Logger struct{ L *zap.Logger }

// New names the logger "casstack". A nil logger yields zap.NewNop.
func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Logger{L: l.Named("casstack")}
}

func (z Logger) Debug(msg string, f casstack.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f casstack.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f casstack.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f casstack.Fields) { z.L.Error(msg, fields(f)...) }

// fields sorts keys so output is stable; errors keep their message.
func fields(f casstack.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
