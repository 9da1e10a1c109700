package config

import (
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/CNlukai/ovsdb/pkg/client"
)

// validateEndpoints parses a comma separated endpoint list and checks that
// every tcp: and ssl: endpoint names a host and a port, and every unix:
// endpoint an absolute path
func validateEndpoints(address string) ([]client.Endpoint, error) {
	endpoints, err := client.ParseEndpoints(address)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, ep := range endpoints {
		switch ep.Scheme {
		case "tcp", "ssl":
			if !validDialString(ep.Address) {
				errs = append(errs, fmt.Errorf("endpoint %s: %q is not a valid host:port", ep, ep.Address))
			}
		case "unix":
			if !strings.HasPrefix(ep.Address, "/") || !govalidator.IsUnixFilePath(ep.Address) {
				errs = append(errs, fmt.Errorf("endpoint %s: %q is not an absolute path", ep, ep.Address))
			}
		}
	}
	if len(errs) > 0 {
		return nil, utilerrors.NewAggregate(errs)
	}
	return endpoints, nil
}

// validDialString accepts host:port where host is a DNS name or an IP
// address, bracketed for IPv6
func validDialString(s string) bool {
	return govalidator.IsDialString(s)
}
