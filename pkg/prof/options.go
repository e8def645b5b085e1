package prof

import "errors"

// ErrActive indicates a capture is already running.
var ErrActive = errors.New("profile capture already active")

// Options names the output files of a capture. Empty paths are skipped.
type Options struct {
	CPU   string // CPU profile, streamed while the capture runs
	Heap  string // Heap snapshot written on stop
	Block string // Blocking profile written on stop
	Mutex string // Mutex contention profile written on stop

	// SampleRate is passed to runtime.SetBlockProfileRate and
	// runtime.SetMutexProfileFraction while the capture runs. Zero means 1.
	SampleRate int
}

// Enabled reports whether any output is requested.
func (o Options) Enabled() bool {
	return o.CPU != "" || o.Heap != "" || o.Block != "" || o.Mutex != ""
}
