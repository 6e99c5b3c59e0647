package qstage

// Stage is the user-supplied operator body (spec §4.7). A fresh instance is
// created per run by a Factory; it reads the primary packet's inputs (wired
// up by whoever constructed the packet tree), produces output pages, and
// calls Adaptor.Output for each. Stages are not aware of merging, filters,
// or multiple consumers.
type Stage interface {
	Process(a *Adaptor) error
}

// Factory constructs a fresh Stage body for each run (spec §6 "Stage
// factory (produced by operator authors)").
type Factory func() Stage
