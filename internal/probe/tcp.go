package probe

import (
	"context"
	"net"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

// TCP succeeds when a TCP connection to the target can be established.
type TCP struct {
	Port int
}

func (p TCP) Probe(ctx context.Context, target model.Target) (model.Result, error) {
	addr, err := hostPort(target, p.Port)
	if err != nil {
		return model.Failure(err.Error()), nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return model.Result{}, err
	}
	_ = conn.Close()
	return model.Success("open " + addr), nil
}
