// Package apex adapts github.com/apex/log to atomiccache.Logger.
package apex

import (
	"github.com/apex/log"

	"github.com/unkn0wn-root/atomiccache"
)

var _ atomiccache.Logger = Logger{}

type Logger struct{ L log.Interface }

// New wraps l; nil uses apex's package-level logger (log.Log).
func New(l log.Interface) Logger {
	if l == nil {
		l = log.Log
	}
	return Logger{L: l}
}

func (a Logger) entry(f atomiccache.Fields) *log.Entry {
	fields := make(log.Fields, len(f))
	var err error
	for k, v := range f {
		if e, ok := v.(error); ok && k == "err" {
			err = e
			continue
		}
		fields[k] = v
	}
	e := a.L.WithFields(fields)
	if err != nil {
		e = e.WithError(err)
	}
	return e
}

func (a Logger) Debug(msg string, f atomiccache.Fields) { a.entry(f).Debug(msg) }
func (a Logger) Info(msg string, f atomiccache.Fields)  { a.entry(f).Info(msg) }
func (a Logger) Warn(msg string, f atomiccache.Fields)  { a.entry(f).Warn(msg) }
func (a Logger) Error(msg string, f atomiccache.Fields) { a.entry(f).Error(msg) }
