package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/CZERTAINLY/Sweeper/internal/model"

	"golang.org/x/net/proxy"
)

// Proxy succeeds when CheckURL can be fetched through the target used as
// an open proxy.
type Proxy struct {
	Port     int
	Protocol string // http, https (CONNECT) or socks5
	CheckURL *url.URL
}

func NewProxy(port int, cfg model.Proxy) (Proxy, error) {
	p := Proxy{
		Port:     port,
		Protocol: cfg.Protocol,
		CheckURL: cfg.CheckURL.AsURL(),
	}
	if p.CheckURL == nil {
		return Proxy{}, fmt.Errorf("%w: proxy check_url is missing", model.ErrUnknownProbe)
	}
	switch p.Protocol {
	case "", "http":
		p.Protocol = "http"
	case "https":
		u := *p.CheckURL
		u.Scheme = "https"
		p.CheckURL = &u
	case "socks5":
	default:
		return Proxy{}, fmt.Errorf("%w: proxy protocol %q", model.ErrUnknownProbe, p.Protocol)
	}
	return p, nil
}

func (p Proxy) Probe(ctx context.Context, target model.Target) (model.Result, error) {
	addr, err := hostPort(target, p.Port)
	if err != nil {
		return model.Failure(err.Error()), nil
	}

	transport := &http.Transport{
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()

	switch p.Protocol {
	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{})
		if err != nil {
			return model.Result{}, err
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return model.Result{}, fmt.Errorf("socks5 dialer %T does not support context", dialer)
		}
		transport.DialContext = cd.DialContext
	default:
		// https proxies are plain http ones tunneling TLS via CONNECT
		transport.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: addr})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.CheckURL.String(), nil)
	if err != nil {
		return model.Result{}, err
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return model.Result{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return model.Failure(p.Protocol + " proxy: " + resp.Status), nil
	}
	return model.Success(p.Protocol + " proxy " + addr), nil
}
