//go:build !linux

package calib

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Run is a stub on non-Linux platforms.
func Run(_ logrus.FieldLogger) (*Result, error) {
	return nil, errors.New("feature calibration requires Linux")
}
