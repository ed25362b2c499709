package slog

import (
	"context"
	stdslog "log/slog"

	"github.com/unkn0wn-root/loadguard"
	lglog "github.com/unkn0wn-root/loadguard/log"
)

var _ loadguard.Logger = Logger{}

type Logger struct{ L *stdslog.Logger }

func New(l *stdslog.Logger) Logger { return Logger{L: l} }

func (s Logger) Debug(msg string, f loadguard.Fields) { s.log(stdslog.LevelDebug, msg, f) }
func (s Logger) Info(msg string, f loadguard.Fields)  { s.log(stdslog.LevelInfo, msg, f) }
func (s Logger) Warn(msg string, f loadguard.Fields)  { s.log(stdslog.LevelWarn, msg, f) }
func (s Logger) Error(msg string, f loadguard.Fields) { s.log(stdslog.LevelError, msg, f) }

func (s Logger) log(level stdslog.Level, msg string, f loadguard.Fields) {
	ctx := context.Background()
	if !s.L.Enabled(ctx, level) {
		return
	}
	s.L.LogAttrs(ctx, level, msg, attrs(f)...)
}

func attrs(f loadguard.Fields) []stdslog.Attr {
	keys := lglog.SortedKeys(f)
	if keys == nil {
		return nil
	}
	out := make([]stdslog.Attr, 0, len(keys))
	for _, k := range keys {
		out = append(out, stdslog.Any(k, f[k]))
	}
	return out
}
