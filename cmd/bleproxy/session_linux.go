//go:build linux

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/adapter"
	"github.com/srg/bleproxy/internal/registers"
)

func newSessionFactory(adp adapter.Adapter, logger *logrus.Logger) (registers.SessionFactory, error) {
	hci, ok := adp.(*adapter.HCIAdapter)
	if !ok {
		return nil, fmt.Errorf("adapter %T does not support GATT connections", adp)
	}
	return registers.NewGATTSessionFactory(hci, logger), nil
}
