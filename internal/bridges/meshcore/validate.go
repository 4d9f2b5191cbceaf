package meshcore

import (
	"fmt"
	"regexp"
	"strings"
)

// Accepted serial device path patterns. Anything else is rejected before the
// path is handed to the OS or embedded in a bridge command.
var serialPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/dev/ttyUSB\d+$`),
	regexp.MustCompile(`^/dev/ttyACM\d+$`),
	regexp.MustCompile(`^/dev/ttyAMA\d+$`),
	regexp.MustCompile(`^/dev/ttyS\d+$`),
	regexp.MustCompile(`^/dev/serial/by-id/[A-Za-z0-9._:-]+$`),
	regexp.MustCompile(`^COM\d+$`),
}

// validNamePattern limits node names to characters safe to embed in a CLI
// `set name` command line.
var validNamePattern = regexp.MustCompile(`^[A-Za-z0-9 ._-]+$`)

const maxNameLength = 32

// Radio parameter bounds. Frequency covers the LoRa ISM bands the firmware
// supports; bandwidth, spreading factor and coding rate follow the chip's
// accepted values.
const (
	minFrequencyMHz = 137.0
	maxFrequencyMHz = 1020.0
	minSpreading    = 7
	maxSpreading    = 12
	minCodingRate   = 5
	maxCodingRate   = 8
)

var validBandwidthsKHz = []float64{7.8, 10.4, 15.6, 20.8, 31.25, 41.7, 62.5, 125, 250, 500}

// ValidateSerialPath checks a device path against the accepted patterns.
// Valid paths are returned to the caller unchanged; everything else fails.
func ValidateSerialPath(path string) error {
	for _, p := range serialPathPatterns {
		if p.MatchString(path) {
			return nil
		}
	}
	return fmt.Errorf("%w: serial path %q not recognised", ErrValidation, path)
}

// ValidateName checks a node display name before it is sent to the device.
// Names travel on a plain-text command line, so control characters and CLI
// separators are rejected outright.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrValidation)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrValidation, maxNameLength)
	}
	if strings.ContainsAny(name, "\r\n") || !validNamePattern.MatchString(name) {
		return fmt.Errorf("%w: name %q contains invalid characters", ErrValidation, name)
	}
	return nil
}

// ValidateRadio checks radio parameters against the hardware's accepted
// ranges before they are transmitted.
func ValidateRadio(params RadioParams) error {
	if params.FrequencyMHz < minFrequencyMHz || params.FrequencyMHz > maxFrequencyMHz {
		return fmt.Errorf("%w: frequency %.3f MHz out of range", ErrValidation, params.FrequencyMHz)
	}
	bwOK := false
	for _, bw := range validBandwidthsKHz {
		if params.BandwidthKHz == bw {
			bwOK = true
			break
		}
	}
	if !bwOK {
		return fmt.Errorf("%w: bandwidth %.2f kHz not supported", ErrValidation, params.BandwidthKHz)
	}
	if params.SpreadingFactor < minSpreading || params.SpreadingFactor > maxSpreading {
		return fmt.Errorf("%w: spreading factor %d out of range", ErrValidation, params.SpreadingFactor)
	}
	if params.CodingRate < minCodingRate || params.CodingRate > maxCodingRate {
		return fmt.Errorf("%w: coding rate %d out of range", ErrValidation, params.CodingRate)
	}
	return nil
}
