package device

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Well-known GATT characteristic UUIDs (16-bit short form)
const (
	CharacteristicDeviceName       = "2a00"
	CharacteristicAppearance       = "2a01"
	CharacteristicBatteryLevel     = "2a19"
	CharacteristicModelNumber      = "2a24"
	CharacteristicSerialNumber     = "2a25"
	CharacteristicFirmwareRevision = "2a26"
	CharacteristicHardwareRevision = "2a27"
	CharacteristicSoftwareRevision = "2a28"
	CharacteristicManufacturerName = "2a29"
)

// ValueParser renders a raw characteristic value for humans
type ValueParser func([]byte) (string, error)

// appearanceCategories indexes Appearance category names by the upper 10 bits of the code.
var appearanceCategories = []string{
	"Unknown", "Phone", "Computer", "Watch", "Clock", "Display", "Remote Control",
	"Eye-glasses", "Tag", "Keyring", "Media Player", "Barcode Scanner",
	"Thermometer", "Heart Rate Sensor", "Blood Pressure", "Human Interface Device",
	"Glucose Meter", "Running Walking Sensor", "Cycling",
}

func parseAppearance(value []byte) (string, error) {
	if len(value) != 2 {
		return "", fmt.Errorf("appearance value must be 2 bytes, got %d", len(value))
	}
	category := int(binary.LittleEndian.Uint16(value) >> 6)
	if category >= len(appearanceCategories) {
		return fmt.Sprintf("category %d", category), nil
	}
	return appearanceCategories[category], nil
}

func parseBatteryLevel(value []byte) (string, error) {
	if len(value) != 1 {
		return "", fmt.Errorf("battery level must be 1 byte, got %d", len(value))
	}
	if value[0] > 100 {
		return "", fmt.Errorf("battery level out of range: %d", value[0])
	}
	return fmt.Sprintf("%d%%", value[0]), nil
}

// parseUTF8 handles the string characteristics of the Device Information service.
// Some firmwares pad them with NULs.
func parseUTF8(value []byte) (string, error) {
	if !utf8.Valid(value) {
		return "", fmt.Errorf("value is not valid UTF-8")
	}
	return strings.TrimRight(string(value), "\x00"), nil
}

var valueParsers = map[string]ValueParser{
	CharacteristicDeviceName:       parseUTF8,
	CharacteristicAppearance:       parseAppearance,
	CharacteristicBatteryLevel:     parseBatteryLevel,
	CharacteristicModelNumber:      parseUTF8,
	CharacteristicSerialNumber:     parseUTF8,
	CharacteristicFirmwareRevision: parseUTF8,
	CharacteristicHardwareRevision: parseUTF8,
	CharacteristicSoftwareRevision: parseUTF8,
	CharacteristicManufacturerName: parseUTF8,
}

// IsParsableCharacteristic reports whether DescribeValue knows the characteristic
func IsParsableCharacteristic(uuid string) bool {
	_, ok := valueParsers[NormalizeUUID(uuid)]
	return ok
}

// DescribeValue renders a well-known characteristic value.
// Returns ("", nil) for unknown characteristics and for empty values.
func DescribeValue(characteristic string, value []byte) (string, error) {
	parser, ok := valueParsers[NormalizeUUID(characteristic)]
	if !ok || len(value) == 0 {
		return "", nil
	}
	return parser(value)
}
