package gateway

import (
	"log"
	"net"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// route is the slice of a kernel route the selection needs.
type route struct {
	dst      *net.IPNet
	gw       net.IP
	priority int
}

// Resolver finds the IPv4 default gateway of one interface from the
// kernel routing table. It implements detector.GatewayResolver.
type Resolver struct {
	iface    string
	fallback string
	logger   logr.Logger
	list     func(iface string) ([]route, error)
}

type Option func(*Resolver)

func WithLogger(logger logr.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

func NewResolver(iface, fallback string, opts ...Option) *Resolver {
	r := &Resolver{
		iface:    iface,
		fallback: fallback,
		logger:   stdr.New(log.Default()),
		list:     listRoutes,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithName("gateway")
	return r
}

// GatewayIP never fails: lookup errors and a missing default route both
// yield the configured fallback.
func (r *Resolver) GatewayIP() string {
	routes, err := r.list(r.iface)
	if err != nil {
		r.logger.Error(err, "route lookup failed, using fallback", "fallback", r.fallback)
		return r.fallback
	}

	if gw := defaultGateway(routes); gw != "" {
		return gw
	}

	r.logger.Info("no default route found, using fallback", "interface", r.iface, "fallback", r.fallback)
	return r.fallback
}

// defaultGateway picks the IPv4 next hop of the preferred default route.
// Lower priority (metric) wins.
func defaultGateway(routes []route) string {
	var best *route
	for i := range routes {
		rt := &routes[i]
		if !isDefault(rt.dst) || rt.gw.To4() == nil {
			continue
		}
		if best == nil || rt.priority < best.priority {
			best = rt
		}
	}
	if best == nil {
		return ""
	}
	return best.gw.To4().String()
}

// isDefault accepts both encodings of a default route: no destination, or
// 0.0.0.0/0.
func isDefault(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0 && dst.IP.IsUnspecified()
}
