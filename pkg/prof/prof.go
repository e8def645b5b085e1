//go:build profile

package prof

import (
	"os"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/hashicorp/go-multierror"
)

var (
	mu     sync.Mutex
	active bool
)

// Start begins a profile capture. The returned function stops it and writes
// the snapshot profiles; it reports every file that could not be written.
func Start(opts Options) (func() error, error) {
	mu.Lock()
	defer mu.Unlock()

	if active {
		return nil, ErrActive
	}

	var cpu *os.File
	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, err
		}
		cpu = f
	}

	rate := opts.SampleRate
	if rate <= 0 {
		rate = 1
	}
	if opts.Block != "" {
		runtime.SetBlockProfileRate(rate)
	}
	if opts.Mutex != "" {
		runtime.SetMutexProfileFraction(rate)
	}
	active = true

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			result = finish(opts, cpu)
		})
		return result
	}
	return stop, nil
}

// finish stops CPU profiling and writes the requested snapshots.
func finish(opts Options, cpu *os.File) error {
	mu.Lock()
	defer mu.Unlock()

	var errs *multierror.Error
	if cpu != nil {
		pprof.StopCPUProfile()
		errs = multierror.Append(errs, cpu.Close())
	}
	if opts.Heap != "" {
		runtime.GC()
		errs = multierror.Append(errs, writeProfile("heap", opts.Heap))
	}
	if opts.Block != "" {
		errs = multierror.Append(errs, writeProfile("block", opts.Block))
		runtime.SetBlockProfileRate(0)
	}
	if opts.Mutex != "" {
		errs = multierror.Append(errs, writeProfile("mutex", opts.Mutex))
		runtime.SetMutexProfileFraction(0)
	}
	active = false
	return errs.ErrorOrNil()
}

func writeProfile(name, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return pprof.Lookup(name).WriteTo(f, 0)
}
