package prof

import "testing"

func TestOptions_Enabled(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want bool
	}{
		{"empty", Options{}, false},
		{"cpu", Options{CPU: "cpu.prof"}, true},
		{"heap", Options{Heap: "heap.prof"}, true},
		{"rate only", Options{SampleRate: 5}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opts.Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}
