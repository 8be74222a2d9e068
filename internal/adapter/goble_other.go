//go:build !linux

package adapter

import "github.com/sirupsen/logrus"

// New is only implemented for the Linux HCI backend; the proxy targets
// BlueZ-class hardware.
func New(_ *logrus.Logger) (Adapter, error) {
	return nil, ErrUnsupportedPlatform
}
