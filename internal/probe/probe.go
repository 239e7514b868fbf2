// Package probe implements the checks run against every target.
package probe

import (
	"fmt"
	"net"
	"strconv"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

// FromConfig builds the Prober selected by cfg.Kind.
func FromConfig(cfg model.Probe) (model.Prober, error) {
	switch cfg.Kind {
	case model.ProbeTCP:
		return TCP{Port: cfg.Port}, nil
	case model.ProbeFTP:
		p := FTP{Port: cfg.Port, User: "anonymous"}
		if cfg.FTP != nil {
			p.User = cfg.FTP.User
			p.Password = cfg.FTP.Password
		}
		return p, nil
	case model.ProbeProxy:
		if cfg.Proxy == nil {
			return nil, fmt.Errorf("%w: proxy section is missing", model.ErrUnknownProbe)
		}
		p, err := NewProxy(cfg.Port, *cfg.Proxy)
		if err != nil {
			return nil, err
		}
		return p, nil
	case model.ProbeNmap:
		p := Nmap{Port: cfg.Port}
		if cfg.Nmap != nil {
			p.Binary = cfg.Nmap.Binary
			p.Ports = cfg.Nmap.Ports
			p.Args = cfg.Nmap.Args
		}
		return p, nil
	case model.ProbeExec:
		if cfg.Exec == nil {
			return nil, fmt.Errorf("%w: exec section is missing", model.ErrUnknownProbe)
		}
		p, err := NewExec(*cfg.Exec)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownProbe, cfg.Kind)
	}
}

// hostPort returns target as host:port, port is used when target has none.
func hostPort(target model.Target, port int) (string, error) {
	if host, p, err := net.SplitHostPort(target); err == nil {
		if host == "" || p == "" {
			return "", fmt.Errorf("%w: %q", model.ErrInvalidTarget, target)
		}
		return target, nil
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("%w: %q has no port", model.ErrInvalidTarget, target)
	}
	return net.JoinHostPort(target, strconv.Itoa(port)), nil
}
