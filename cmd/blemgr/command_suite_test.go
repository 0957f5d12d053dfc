package main

import (
	"bytes"
	"context"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blemgr/internal/store"
	"github.com/srg/blemgr/internal/testutils"
	"github.com/srg/blemgr/internal/transport"
)

// CommandTestSuite runs commands against the suite's FakeTransport.
type CommandTestSuite struct {
	testutils.FakeTransportSuite

	originalFactory func(*logrus.Logger) (transport.Transport, error)
}

func (s *CommandTestSuite) SetupSuite() {
	s.FakeTransportSuite.SetupSuite()
	s.originalFactory = transportFactory
}

func (s *CommandTestSuite) TearDownSuite() {
	transportFactory = s.originalFactory
}

func (s *CommandTestSuite) SetupTest() {
	s.FakeTransportSuite.SetupTest()
	fake := s.Transport
	transportFactory = func(*logrus.Logger) (transport.Transport, error) {
		return fake, nil
	}
}

// resetFlags restores every flag to its default so commands do not leak state between tests.
func resetFlags(cmds ...*cobra.Command) {
	for _, c := range cmds {
		for _, fs := range []*pflag.FlagSet{c.Flags(), c.PersistentFlags()} {
			fs.VisitAll(func(f *pflag.Flag) {
				if sv, ok := f.Value.(pflag.SliceValue); ok {
					_ = sv.Replace(nil)
				} else {
					_ = f.Value.Set(f.DefValue)
				}
				f.Changed = false
			})
		}
	}
}

// ExecuteCommand runs the root command with args and returns stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	resetFlags(rootCmd, scanCmd, connectCmd, devicesCmd, forgetCmd)
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// AdvertiseAfterScan advertises id once the manager started scanning.
func (s *CommandTestSuite) AdvertiseAfterScan(id string, services ...string) {
	go func() {
		deadline := time.Now().Add(s.TestTimeout)
		for s.Transport.Count(testutils.MethodScan) == 0 {
			if time.Now().After(deadline) {
				return
			}
			time.Sleep(time.Millisecond)
		}
		s.Transport.Advertise(id, testutils.CreateMockAdvertisement("sensor-"+id, services...).Build(), -42)
	}()
}

// SeedStore creates a SQLite store in a temp dir holding records and returns its path.
func (s *CommandTestSuite) SeedStore(records ...store.Record) string {
	path := filepath.Join(s.T().TempDir(), "devices.db")
	st, err := store.NewSQLiteStore(path)
	s.Require().NoError(err)
	defer st.Close()
	for _, r := range records {
		s.Require().NoError(st.AddRecord(context.Background(), r))
	}
	return path
}
