package meshcore

import (
	"errors"
	"testing"
)

func TestValidateSerialPath(t *testing.T) {
	tests := []struct {
		path  string
		valid bool
	}{
		{"/dev/ttyUSB0", true},
		{"/dev/ttyUSB12", true},
		{"/dev/ttyACM0", true},
		{"/dev/ttyAMA0", true},
		{"/dev/ttyS3", true},
		{"/dev/serial/by-id/usb-RAKwireless_WisCore_RAK4631-if00", true},
		{"COM3", true},
		{"COM10", true},

		{"", false},
		{"/dev/ttyUSB", false}, // no device number
		{"/dev/ttyusb0", false},
		{"/dev/ttyUSB0x", false}, // trailing garbage
		{"/dev/ttyUSB0/../../etc/shadow", false},
		{"../../etc/shadow", false},
		{"/dev/null", false},
		{"/dev/serial/by-id/", false},
		{"/dev/serial/by-id/has space", false},
		{"/dev/serial/by-path/pci-0000:00:14.0", false},
		{"COM", false},
		{"com3", false},
		{"ttyUSB0", false}, // missing /dev prefix
		{"/dev/ttyUSB0\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := ValidateSerialPath(tt.path)
			if tt.valid && err != nil {
				t.Errorf("ValidateSerialPath(%q) = %v, want nil", tt.path, err)
			}
			if !tt.valid {
				if err == nil {
					t.Errorf("ValidateSerialPath(%q) = nil, want error", tt.path)
				} else if !errors.Is(err, ErrValidation) {
					t.Errorf("ValidateSerialPath(%q) = %v, want ErrValidation", tt.path, err)
				}
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"simple", "Hilltop", true},
		{"with separators", "Base Node_2.1-a", true},
		{"max length", "abcdefghijklmnopqrstuvwxyz123456", true},

		{"empty", "", false},
		{"too long", "abcdefghijklmnopqrstuvwxyz1234567", false},
		{"embedded newline", "evil\nset radio 0,0,0,0", false},
		{"carriage return", "evil\rver", false},
		{"comma", "a,b", false},
		{"shell metacharacters", "node;rm -rf", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.valid && err != nil {
				t.Errorf("ValidateName(%q) = %v, want nil", tt.input, err)
			}
			if !tt.valid && !errors.Is(err, ErrValidation) {
				t.Errorf("ValidateName(%q) = %v, want ErrValidation", tt.input, err)
			}
		})
	}
}

func TestValidateRadio(t *testing.T) {
	valid := RadioParams{FrequencyMHz: 869.525, BandwidthKHz: 250, SpreadingFactor: 11, CodingRate: 5}

	tests := []struct {
		name   string
		mutate func(*RadioParams)
		valid  bool
	}{
		{"eu868 defaults", func(*RadioParams) {}, true},
		{"us915", func(p *RadioParams) { p.FrequencyMHz = 915; p.BandwidthKHz = 125 }, true},
		{"frequency lower bound", func(p *RadioParams) { p.FrequencyMHz = 137 }, true},
		{"frequency upper bound", func(p *RadioParams) { p.FrequencyMHz = 1020 }, true},
		{"narrowest bandwidth", func(p *RadioParams) { p.BandwidthKHz = 7.8 }, true},
		{"widest bandwidth", func(p *RadioParams) { p.BandwidthKHz = 500 }, true},
		{"spreading bounds", func(p *RadioParams) { p.SpreadingFactor = 7 }, true},
		{"spreading upper", func(p *RadioParams) { p.SpreadingFactor = 12 }, true},
		{"coding rate upper", func(p *RadioParams) { p.CodingRate = 8 }, true},

		{"frequency too low", func(p *RadioParams) { p.FrequencyMHz = 136.9 }, false},
		{"frequency too high", func(p *RadioParams) { p.FrequencyMHz = 1020.1 }, false},
		{"zero frequency", func(p *RadioParams) { p.FrequencyMHz = 0 }, false},
		{"bandwidth off-list", func(p *RadioParams) { p.BandwidthKHz = 200 }, false},
		{"zero bandwidth", func(p *RadioParams) { p.BandwidthKHz = 0 }, false},
		{"spreading too low", func(p *RadioParams) { p.SpreadingFactor = 6 }, false},
		{"spreading too high", func(p *RadioParams) { p.SpreadingFactor = 13 }, false},
		{"coding rate too low", func(p *RadioParams) { p.CodingRate = 4 }, false},
		{"coding rate too high", func(p *RadioParams) { p.CodingRate = 9 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := valid
			tt.mutate(&params)
			err := ValidateRadio(params)
			if tt.valid && err != nil {
				t.Errorf("ValidateRadio(%+v) = %v, want nil", params, err)
			}
			if !tt.valid && !errors.Is(err, ErrValidation) {
				t.Errorf("ValidateRadio(%+v) = %v, want ErrValidation", params, err)
			}
		})
	}
}
