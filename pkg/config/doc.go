// Package config loads softpipe configuration.
//
// Values are resolved in order of increasing precedence: built-in
// defaults, a YAML file, then SOFTPIPE_* environment variables:
//
//	log:
//	  level: info
//	device:
//	  path: /dev/bus/usb/001/004
//	  transfer_timeout: 250ms
//	pipes:
//	  - address: 0x81
//	    mode: stream
//	    buffer_count: 16
//	    buffer_size: 512
//	metrics:
//	  enabled: true
//	  address: ":9464"
//
// Nested keys map to upper-case environment names joined by underscores,
// e.g. SOFTPIPE_DEVICE_PATH or SOFTPIPE_SHUTDOWN_JOIN_TIMEOUT. Pipes can
// only be configured from the file.
package config
