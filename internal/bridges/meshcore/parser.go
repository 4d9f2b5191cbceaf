package meshcore

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResponseParser turns free-text CLI replies from a device into structured
// values. One implementation exists per firmware text format; keeping the
// regular expressions behind this interface keeps them independently
// testable and out of the transport code.
type ResponseParser interface {
	// IsRepeaterSignature reports whether a `ver` reply identifies the
	// Repeater firmware.
	IsRepeaterSignature(reply string) bool

	// ParseName extracts the node name from a `get name` reply.
	ParseName(reply string) (string, error)

	// ParseRadio extracts radio parameters from a `get radio` reply.
	ParseRadio(reply string) (RadioParams, error)

	// ParsePush parses an unsolicited line. Returns (nil, false) for lines
	// that are not pushes.
	ParsePush(line string) (*Message, bool)
}

// repeaterSignature is the firmware marker looked for in `ver` replies.
// Any reply containing it classifies the device as a Repeater; every other
// outcome, including a probe timeout, classifies it as a Companion.
const repeaterSignature = "MeshCore"

var (
	// nameReplyPattern matches `Name: <value>` style lines. The fallback is
	// the first line that is not a terminal marker.
	nameReplyPattern = regexp.MustCompile(`(?i)^\s*name\s*[:=]\s*(.+?)\s*$`)

	// radioReplyPattern matches the `freq,bw,sf,cr` tuple the firmware
	// prints, mirroring the `set radio` argument format.
	radioReplyPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*,\s*(\d+(?:\.\d+)?)\s*,\s*(\d+)\s*,\s*(\d+)`)

	// pushPattern matches unsolicited message lines: MSG:<hex-pubkey>:<text>
	pushPattern = regexp.MustCompile(`^MSG:([0-9a-fA-F]+):(.*)$`)
)

// terminalMarkers end a repeater command reply. Matching is by occurrence
// anywhere in the accumulated text, which can false-positive on echoed or
// free-text content; this mirrors the firmware's actual behaviour and is a
// known fragility, not something to paper over with invented framing.
var terminalMarkers = []string{">", "OK", "Error"}

// hasTerminalMarker reports whether the accumulated reply text contains one
// of the CLI terminal markers.
func hasTerminalMarker(text string) bool {
	for _, m := range terminalMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// isErrorReply reports whether a completed reply indicates command failure.
func isErrorReply(text string) bool {
	return strings.Contains(text, "Error")
}

// RepeaterParser parses the Repeater firmware's plain-text CLI replies.
type RepeaterParser struct{}

var _ ResponseParser = RepeaterParser{}

// IsRepeaterSignature reports whether reply carries the Repeater firmware
// marker.
func (RepeaterParser) IsRepeaterSignature(reply string) bool {
	return strings.Contains(reply, repeaterSignature)
}

// ParseName extracts the node name from a `get name` reply.
func (RepeaterParser) ParseName(reply string) (string, error) {
	for _, line := range strings.Split(reply, "\n") {
		if m := nameReplyPattern.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	// Fallback: first non-empty line that is not a bare terminal marker.
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), ">"))
		if line == "" || line == "OK" {
			continue
		}
		return line, nil
	}
	return "", fmt.Errorf("%w: no name in reply %q", ErrProtocol, reply)
}

// ParseRadio extracts frequency, bandwidth, spreading factor and coding rate
// from a `get radio` reply.
func (RepeaterParser) ParseRadio(reply string) (RadioParams, error) {
	m := radioReplyPattern.FindStringSubmatch(reply)
	if m == nil {
		return RadioParams{}, fmt.Errorf("%w: no radio tuple in reply %q", ErrProtocol, reply)
	}

	freq, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return RadioParams{}, fmt.Errorf("%w: frequency %q: %v", ErrProtocol, m[1], err)
	}
	bw, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return RadioParams{}, fmt.Errorf("%w: bandwidth %q: %v", ErrProtocol, m[2], err)
	}
	sf, err := strconv.Atoi(m[3])
	if err != nil {
		return RadioParams{}, fmt.Errorf("%w: spreading factor %q: %v", ErrProtocol, m[3], err)
	}
	cr, err := strconv.Atoi(m[4])
	if err != nil {
		return RadioParams{}, fmt.Errorf("%w: coding rate %q: %v", ErrProtocol, m[4], err)
	}

	return RadioParams{
		FrequencyMHz:    freq,
		BandwidthKHz:    bw,
		SpreadingFactor: sf,
		CodingRate:      cr,
	}, nil
}

// ParsePush parses an unsolicited MSG line into a Message. Lines that do not
// match the push pattern return (nil, false).
func (RepeaterParser) ParsePush(line string) (*Message, bool) {
	m := pushPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return nil, false
	}
	return &Message{
		ID:            uuid.NewString(),
		FromPublicKey: strings.ToLower(m[1]),
		Text:          m[2],
		Timestamp:     time.Now().UTC(),
	}, true
}
