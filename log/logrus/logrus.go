package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/loadguard"
)

var _ loadguard.Logger = Logger{}

// Logger writes through a logrus entry. An error under "err" is attached
// with WithError so hooks and formatters see it as an error.
type Logger struct{ E *logrus.Entry }

func New(l *logrus.Logger) Logger { return Logger{E: logrus.NewEntry(l)} }

func (l Logger) Debug(msg string, f loadguard.Fields) { l.with(f).Debug(msg) }
func (l Logger) Info(msg string, f loadguard.Fields)  { l.with(f).Info(msg) }
func (l Logger) Warn(msg string, f loadguard.Fields)  { l.with(f).Warn(msg) }
func (l Logger) Error(msg string, f loadguard.Fields) { l.with(f).Error(msg) }

func (l Logger) with(f loadguard.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	out := make(logrus.Fields, len(f))
	e := l.E
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			e = e.WithError(err)
			continue
		}
		out[k] = v
	}
	return e.WithFields(out)
}
