package testutils

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

// LogLevelEnv overrides the level of test loggers, e.g. BLEMGR_TEST_LOG=warn.
const LogLevelEnv = "BLEMGR_TEST_LOG"

// TestHelper carries the logger shared by the components under test.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // trace the event loop by default
	if raw := os.Getenv(LogLevelEnv); raw != "" {
		if level, err := logrus.ParseLevel(raw); err == nil {
			logger.SetLevel(level)
		}
	}
	return &TestHelper{T: t, Logger: logger}
}

// CreateMockAdvertisement starts an advertisement carrying a name and service list.
func CreateMockAdvertisement(name string, services ...string) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithServices(services...)
}

func CreateMockAdvertisementFromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	return NewAdvertisementBuilder().FromJSON(jsonStrFmt, args...)
}

// CreateMockPeripheral starts a GATT profile for the fake transport.
func CreateMockPeripheral(id string) *PeripheralBuilder {
	return NewPeripheralBuilder(id)
}

func CreateMockPeripheralFromJSON(id, jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	return NewPeripheralBuilder(id).FromJSON(jsonStrFmt, args...)
}
