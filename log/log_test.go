package log

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type captureHandler struct {
	records *[]slog.Record
}

func (h captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h captureHandler) Handle(_ context.Context, r slog.Record) error {
	*h.records = append(*h.records, r)
	return nil
}
func (h captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h captureHandler) WithGroup(string) slog.Handler      { return h }

func TestModuleGating(t *testing.T) {
	var records []slog.Record
	old := Root()
	SetDefault(NewLogger(captureHandler{&records}))
	defer SetDefault(old)

	DisableModule(MmuMonitoring)
	Trace(MmuMonitoring, "hidden")
	Debug(MmuMonitoring, "hidden")
	require.Empty(t, records)

	EnableModule(MmuMonitoring)
	defer DisableModule(MmuMonitoring)
	Trace(MmuMonitoring, "visible", "k", "v")
	require.Len(t, records, 1)
	require.Equal(t, "visible", records[0].Message)
	require.Equal(t, LevelTrace, records[0].Level)

	// Info is not module-filtered.
	DisableModule(MmuMonitoring)
	Info(MmuMonitoring, "always")
	require.Len(t, records, 2)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("trace")
	require.NoError(t, err)
	require.Equal(t, LevelTrace, lvl)

	lvl, err = ParseLevel("WARNING")
	require.NoError(t, err)
	require.Equal(t, LevelWarn, lvl)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestLevelStrings(t *testing.T) {
	require.Equal(t, "TRACE", LevelAlignedString(LevelTrace))
	require.Equal(t, "crit", LevelString(LevelCrit))
}
