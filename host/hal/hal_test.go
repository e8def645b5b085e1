package hal

import (
	"testing"
)

// =============================================================================
// PipeID Tests
// =============================================================================

func TestPipeID_Number(t *testing.T) {
	tests := []struct {
		pipe PipeID
		want uint8
	}{
		{0x81, 1},
		{0x01, 1},
		{0x8F, 15},
		{0x02, 2},
		{0x00, 0},
	}

	for _, tt := range tests {
		t.Run(tt.pipe.String(), func(t *testing.T) {
			if got := tt.pipe.Number(); got != tt.want {
				t.Errorf("PipeID(0x%02X).Number() = %d, want %d", uint8(tt.pipe), got, tt.want)
			}
		})
	}
}

func TestPipeID_IsIn(t *testing.T) {
	if !PipeID(0x81).IsIn() {
		t.Error("0x81 should be IN")
	}
	if PipeID(0x01).IsIn() {
		t.Error("0x01 should be OUT")
	}
}

func TestPipeID_String(t *testing.T) {
	if got := PipeID(0x81).String(); got != "0x81" {
		t.Errorf("String() = %q, want %q", got, "0x81")
	}
	if got := PipeID(0x02).String(); got != "0x02" {
		t.Errorf("String() = %q, want %q", got, "0x02")
	}
}

// =============================================================================
// PolicyKey Tests
// =============================================================================

func TestPolicyKey_String(t *testing.T) {
	tests := []struct {
		key  PolicyKey
		want string
	}{
		{PolicyMaxTransferSize, "max-transfer-size"},
		{PolicyTransferTimeout, "transfer-timeout"},
		{PolicyKey(0), "policy(0)"},
		{PolicyKey(99), "policy(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("PolicyKey(%d).String() = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}
