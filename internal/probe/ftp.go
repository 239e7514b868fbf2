package probe

import (
	"context"
	"errors"
	"net"
	"net/textproto"

	"github.com/CZERTAINLY/Sweeper/internal/model"

	"github.com/jlaffaye/ftp"
)

// FTP succeeds when the server accepts a login with User and Password,
// anonymous by default.
type FTP struct {
	Port     int
	User     string
	Password string
}

func (p FTP) Probe(ctx context.Context, target model.Target) (model.Result, error) {
	addr, err := hostPort(target, p.Port)
	if err != nil {
		return model.Failure(err.Error()), nil
	}

	// jlaffaye/ftp only uses ctx for dialing, the deadline must cover the
	// whole control connection
	dial := func(network, address string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		return conn, nil
	}

	c, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithDialFunc(dial))
	if err != nil {
		return model.Result{}, err
	}
	defer func() {
		_ = c.Quit()
	}()

	if err := c.Login(p.User, p.Password); err != nil {
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) && protoErr.Code >= 500 {
			return model.Failure(protoErr.Error()), nil
		}
		return model.Result{}, err
	}
	return model.Success("login " + p.User + "@" + addr), nil
}
