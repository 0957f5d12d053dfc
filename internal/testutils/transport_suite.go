package testutils

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// FakeTransportSuite provides a FakeTransport and a mock clock to testify suites.
//
// Usage:
//
//	type MySuite struct {
//	    testutils.FakeTransportSuite
//	}
//
//	func (s *MySuite) SetupTest() {
//	    s.FakeTransportSuite.SetupTest()
//	    s.Transport.AddPeripheral(s.WithPeripheral("P1").Build())
//	}
type FakeTransportSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Transport *FakeTransport
	Clock     *clock.Mock

	// Default timeout for Eventually-style assertions
	TestTimeout time.Duration
}

// SetupSuite initializes the helper and logger. Called once before all tests in the suite.
func (s *FakeTransportSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
	s.Logger.Debug("Suite setup completed")
}

// SetupTest creates a fresh powered-on transport and clock before each test.
func (s *FakeTransportSuite) SetupTest() {
	s.Transport = NewFakeTransport()
	s.Clock = clock.NewMock()
	s.Logger.Debug("Test setup completed - ready for execution")
}

// WithPeripheral returns a builder preloaded with the default battery profile.
func (s *FakeTransportSuite) WithPeripheral(id string) *PeripheralBuilder {
	return NewPeripheralBuilder(id).
		WithService("180F").
		WithCharacteristic("2A19", "read,notify", []byte{50})
}

// WaitFor asserts that cond becomes true within TestTimeout.
func (s *FakeTransportSuite) WaitFor(cond func() bool, msgAndArgs ...interface{}) {
	s.Require().Eventually(cond, s.TestTimeout, 5*time.Millisecond, msgAndArgs...)
}
