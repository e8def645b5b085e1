package linux

import (
	"testing"
	"unsafe"
)

// =============================================================================
// Kernel Structure Tests
// =============================================================================

func TestStructSizes(t *testing.T) {
	tests := []struct {
		name        string
		size        uintptr
		want32      uintptr
		want64      uintptr
		pointerSize uintptr
	}{
		{"usbdevfs_urb", unsafe.Sizeof(urb{}), 44, 56, unsafe.Sizeof(uintptr(0))},
		{"usbdevfs_bulktransfer", unsafe.Sizeof(bulkTransfer{}), 16, 24, unsafe.Sizeof(uintptr(0))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := tt.want64
			if tt.pointerSize == 4 {
				want = tt.want32
			}
			if tt.size != want {
				t.Errorf("sizeof(%s) = %d, want %d", tt.name, tt.size, want)
			}
		})
	}
}

func TestURBFieldOffsets(t *testing.T) {
	var u urb
	if off := unsafe.Offsetof(u.status); off != 4 {
		t.Errorf("status offset = %d, want 4", off)
	}
	if off := unsafe.Offsetof(u.buffer); unsafe.Sizeof(uintptr(0)) == 8 && off != 16 {
		t.Errorf("buffer offset = %d, want 16", off)
	}
	if off := unsafe.Offsetof(u.actualLength); unsafe.Sizeof(uintptr(0)) == 8 && off != 28 {
		t.Errorf("actualLength offset = %d, want 28", off)
	}
}

// =============================================================================
// Request Encoding Tests
// =============================================================================

func TestIoctlNumbers(t *testing.T) {
	is64 := unsafe.Sizeof(uintptr(0)) == 8

	tests := []struct {
		name   string
		got    uintptr
		want32 uintptr
		want64 uintptr
	}{
		{"BULK", ioctlUsbdevfsBulk, 0xc0105502, 0xc0185502},
		{"SUBMITURB", ioctlUsbdevfsSubmitURB, 0x802c550a, 0x8038550a},
		{"DISCARDURB", ioctlUsbdevfsDiscardURB, 0x550b, 0x550b},
		{"REAPURBNDELAY", ioctlUsbdevfsReapURBNDelay, 0x4004550d, 0x4008550d},
		{"CLAIMINTERFACE", ioctlUsbdevfsClaimInterface, 0x8004550f, 0x8004550f},
		{"RELEASEINTERFACE", ioctlUsbdevfsReleaseInterface, 0x80045510, 0x80045510},
		{"CLEAR_HALT", ioctlUsbdevfsClearHalt, 0x80045515, 0x80045515},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := tt.want32
			if is64 {
				want = tt.want64
			}
			if tt.got != want {
				t.Errorf("USBDEVFS_%s = %#x, want %#x", tt.name, tt.got, want)
			}
		})
	}
}

func TestIocPanicsOnOversize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("ioc accepted an argument size beyond 14 bits")
		}
	}()
	ior(usbdevfsType, 1, iocSizeMask+1)
}
