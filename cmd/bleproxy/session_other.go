//go:build !linux

package main

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/adapter"
	"github.com/srg/bleproxy/internal/registers"
)

func newSessionFactory(_ adapter.Adapter, _ *logrus.Logger) (registers.SessionFactory, error) {
	return nil, errors.New("battery polling requires a Linux HCI adapter")
}
