package hsm

import "bytes"

// Markers printed by sc-hsm-tool when invoked without arguments.
var (
	markerNoReaders     = []byte("No smart card readers")
	markerUninitialized = []byte("has never been initialized")
)

// ProbeDevice interprets the output of a bare sc-hsm-tool invocation. It
// returns ErrDeviceNotFound when no reader is attached; otherwise it reports
// whether the device has been initialized.
func ProbeDevice(output []byte) (initialized bool, err error) {
	if bytes.Contains(output, markerNoReaders) {
		return false, ErrDeviceNotFound
	}
	return !bytes.Contains(output, markerUninitialized), nil
}
