// Package mlslog is a thin structured-logging shim used by the commit
// processor and group session to report non-fatal events (dropped
// proposals, stale-epoch rejections, replay-window rejections) without
// introducing a package-global logger.
package mlslog

import "log/slog"

// Logger is passed explicitly into group.Session; there is no package-level
// default, per §9's "Global/module state: None."
type Logger struct {
	l *slog.Logger
}

// New wraps an slog.Logger. Passing nil yields a Logger that discards.
func New(l *slog.Logger) Logger {
	if l == nil {
		l = slog.New(slog.NewTextHandler(discard{}, nil))
	}
	return Logger{l: l}
}

func (lg Logger) DroppedProposal(kind string, reason error) {
	lg.l.Warn("dropped proposal under IgnoreByRef", "type", kind, "reason", reason)
}

func (lg Logger) StaleEpoch(got, want uint64) {
	lg.l.Warn("rejected commit against stale epoch", "got", got, "want", want)
}

func (lg Logger) ReplayRejected(leaf uint32, generation uint32) {
	lg.l.Warn("rejected replayed or too-old generation", "leaf", leaf, "generation", generation)
}

func (lg Logger) CommitAccepted(epoch uint64) {
	lg.l.Info("commit accepted", "epoch", epoch)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
