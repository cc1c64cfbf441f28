//go:build !linux

package gateway

import (
	"errors"
	"runtime"
)

func listRoutes(string) ([]route, error) {
	return nil, errors.New("route lookup not supported on " + runtime.GOOS)
}
