package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/log"
	"github.com/CZERTAINLY/Sweeper/internal/model"

	"github.com/Ullaakut/nmap/v3"
)

// Nmap runs nmap against the target and succeeds when at least one port is
// open. The open ports are the detail.
type Nmap struct {
	Binary string
	Ports  string // nmap port specification, Port or target port when empty
	Port   int
	Args   []string
}

func (p Nmap) Probe(ctx context.Context, target model.Target) (model.Result, error) {
	host := target
	ports := p.Ports
	if h, port, err := net.SplitHostPort(target); err == nil {
		host = h
		ports = port
	} else if ports == "" && p.Port > 0 {
		ports = strconv.Itoa(p.Port)
	}

	options := []nmap.Option{
		nmap.WithTargets(host),
		nmap.WithOpenOnly(),
	}
	if p.Binary != "" {
		options = append(options, nmap.WithBinaryPath(p.Binary))
	}
	if ports != "" {
		options = append(options, nmap.WithPorts(ports))
	}
	if addr, err := netip.ParseAddr(host); err == nil && addr.Is6() {
		options = append(options, nmap.WithIPv6Scanning())
	}
	if len(p.Args) > 0 {
		options = append(options, nmap.WithCustomArguments(p.Args...))
	}

	ctx = log.ContextAttrs(ctx, slog.String("scanner", "nmap"), slog.String("ports", ports))
	scanner, err := nmap.NewScanner(ctx, options...)
	if err != nil {
		return model.Result{}, fmt.Errorf("creating nmap scanner: %w", err)
	}

	now := time.Now()
	run, warnings, err := scanner.Run()
	if err != nil {
		return model.Result{}, fmt.Errorf("nmap scan: %w", err)
	}
	slog.DebugContext(ctx, "scan finished", "elapsed", time.Since(now).String())
	if warnings != nil {
		for _, warn := range *warnings {
			slog.DebugContext(ctx, "scan", "warning", warn)
		}
	}

	var open []string
	for _, h := range run.Hosts {
		for _, port := range h.Ports {
			if port.State.State != "open" {
				continue
			}
			desc := fmt.Sprintf("%d/%s", port.ID, port.Protocol)
			if port.Service.Name != "" {
				desc += " " + port.Service.Name
			}
			open = append(open, desc)
		}
	}
	if len(open) == 0 {
		return model.Failure(model.ErrNoMatch.Error() + ": no open ports"), nil
	}
	return model.Success(strings.Join(open, ", ")), nil
}
