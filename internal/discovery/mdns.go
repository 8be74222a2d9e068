// Package discovery advertises the proxy over mDNS so controllers find it
// without manual configuration.
package discovery

import (
	"fmt"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	serviceType = "_esphomelib._tcp"
	domain      = "local."

	// Advertised capability flags; 1 marks the passive-scan proxy
	// feature understood by current controllers.
	bluetoothProxyVersion = "5"
	bluetoothProxyFlags   = "1"
)

// Options describe the advertised identity.
type Options struct {
	// Name is the instance name; spaces are folded to dashes for mDNS.
	Name           string
	Port           int
	MacAddress     string
	UsesPassword   bool
	ProjectName    string
	ProjectVersion string
	EsphomeVersion string
}

// Advertiser owns one registered mDNS service.
type Advertiser struct {
	server *zeroconf.Server
	logger *logrus.Logger
	name   string
}

// Advertise registers the service on all interfaces. Call Shutdown to
// withdraw it.
func Advertise(opts Options, logger *logrus.Logger) (*Advertiser, error) {
	if logger == nil {
		logger = logrus.New()
	}
	name := strings.ToLower(strings.ReplaceAll(opts.Name, " ", "-"))

	txt := []string{
		"version=" + opts.EsphomeVersion,
		"mac=" + strings.ToLower(strings.ReplaceAll(opts.MacAddress, ":", "")),
		"platform=linux",
		"board=generic",
		"network=ethernet",
		fmt.Sprintf("use_password=%t", opts.UsesPassword),
		"bluetooth_proxy=true",
		"bluetooth_proxy_version=" + bluetoothProxyVersion,
		"bluetooth_proxy_feature_flags=" + bluetoothProxyFlags,
		"project_name=" + opts.ProjectName,
		"project_version=" + opts.ProjectVersion,
	}

	server, err := zeroconf.Register(name, serviceType, domain, opts.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"name": name,
		"type": serviceType,
		"port": opts.Port,
	}).Info("mDNS advertisement registered")

	return &Advertiser{server: server, logger: logger, name: name}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
	a.logger.WithField("name", a.name).Info("mDNS advertisement withdrawn")
}
