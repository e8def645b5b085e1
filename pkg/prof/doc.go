// Package prof captures runtime profiles of the pipe engine.
//
// It wraps [runtime/pprof] and is conditionally compiled using the "profile"
// build tag:
//
//	go build -tags profile ./examples/linux-hal/pipe-monitor
//
// When built without the "profile" tag, [Start] returns a no-op stop function,
// allowing profiling hooks to remain in place without overhead in production.
//
// # Capturing
//
// [Start] begins CPU profiling into Options.CPU and enables block and mutex
// sampling, which is where a pump/consumer contention problem shows up. The
// returned stop function ends CPU profiling and writes the snapshot profiles
// named in Options:
//
//	stop, err := prof.Start(prof.Options{
//	    CPU:   "cpu.prof",
//	    Heap:  "heap.prof",
//	    Mutex: "mutex.prof",
//	})
//	if err != nil {
//	    return err
//	}
//	defer stop()
//
// Only one capture may be active at a time; a second [Start] returns
// [ErrActive].
package prof
