package kvcache

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	// Keep test output readable; debug logs are noise here.
	logrus.SetLevel(logrus.WarnLevel)
	os.Exit(m.Run())
}
