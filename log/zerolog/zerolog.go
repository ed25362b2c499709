package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/unkn0wn-root/loadguard"
	lglog "github.com/unkn0wn-root/loadguard/log"
)

var _ loadguard.Logger = Logger{}

type Logger struct{ L zerolog.Logger }

func New(l zerolog.Logger) Logger { return Logger{L: l} }

func (z Logger) Debug(msg string, f loadguard.Fields) { emit(z.L.Debug(), msg, f) }
func (z Logger) Info(msg string, f loadguard.Fields)  { emit(z.L.Info(), msg, f) }
func (z Logger) Warn(msg string, f loadguard.Fields)  { emit(z.L.Warn(), msg, f) }
func (z Logger) Error(msg string, f loadguard.Fields) { emit(z.L.Error(), msg, f) }

// emit tolerates a nil event, which zerolog returns for disabled levels.
func emit(e *zerolog.Event, msg string, f loadguard.Fields) {
	if e == nil {
		return
	}
	for _, k := range lglog.SortedKeys(f) {
		switch v := f[k].(type) {
		case error:
			e = e.AnErr(k, v)
		case string:
			e = e.Str(k, v)
		case int64:
			e = e.Int64(k, v)
		case int:
			e = e.Int(k, v)
		default:
			e = e.Interface(k, v)
		}
	}
	e.Msg(msg)
}
