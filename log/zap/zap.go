package zap

import (
	"go.uber.org/zap"

	"github.com/unkn0wn-root/loadguard"
	lglog "github.com/unkn0wn-root/loadguard/log"
)

var _ loadguard.Logger = Logger{}

type Logger struct{ L *zap.Logger }

func New(l *zap.Logger) Logger { return Logger{L: l.WithOptions(zap.AddCallerSkip(1))} }

func (z Logger) Debug(msg string, f loadguard.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f loadguard.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f loadguard.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f loadguard.Fields) { z.L.Error(msg, fields(f)...) }

func fields(f loadguard.Fields) []zap.Field {
	keys := lglog.SortedKeys(f)
	if keys == nil {
		return nil
	}
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := f[k].(type) {
		case error:
			out = append(out, zap.NamedError(k, v))
		case string:
			out = append(out, zap.String(k, v))
		case int64:
			out = append(out, zap.Int64(k, v))
		case int:
			out = append(out, zap.Int(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
