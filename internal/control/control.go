// Package control carries user commands from the CLI to a running daemon
// as JSON-RPC over a unix socket.
package control

import (
	"context"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/logger"
	"codeberg.org/mutker/battester/internal/tester"
)

const (
	ErrListen = errors.ErrorCode("control_listen_failed")
	ErrDial   = errors.ErrorCode("control_dial_failed")
	ErrCall   = errors.ErrorCode("control_call_failed")

	serviceName = "Tester"
)

// Handler is what the daemon exposes; *tester.Controller implements it.
type Handler interface {
	Submit(ctx context.Context, in tester.Input) (tester.Status, error)
	SetCutoff(ctx context.Context, cutoff domain.MilliVolts) (tester.Status, error)
	Status(ctx context.Context) (tester.Status, error)
}

type batteryReq struct {
	ID string
}

type cutoffReq struct {
	MilliVolts int32
}

type empty struct{}

// remoteError carries an error code across the socket so callers can still
// match it.
type remoteError struct {
	Code    string
	Message string
}

type statusResp struct {
	Status tester.Status
	Error  *remoteError
}

type rpcHandler struct {
	h Handler
}

func (s *rpcHandler) reply(resp *statusResp, st tester.Status, err error) error {
	resp.Status = st
	if err != nil {
		resp.Error = &remoteError{Code: string(errors.CodeOf(err)), Message: err.Error()}
	}
	return nil
}

func (s *rpcHandler) SetBattery(req batteryReq, resp *statusResp) error {
	st, err := s.h.Submit(context.Background(), tester.EnterBatteryID{ID: req.ID})
	return s.reply(resp, st, err)
}

func (s *rpcHandler) Start(_ empty, resp *statusResp) error {
	st, err := s.h.Submit(context.Background(), tester.StartTest{})
	return s.reply(resp, st, err)
}

func (s *rpcHandler) Pause(_ empty, resp *statusResp) error {
	st, err := s.h.Submit(context.Background(), tester.PauseTest{})
	return s.reply(resp, st, err)
}

func (s *rpcHandler) Cancel(_ empty, resp *statusResp) error {
	st, err := s.h.Submit(context.Background(), tester.CancelTest{})
	return s.reply(resp, st, err)
}

func (s *rpcHandler) Acknowledge(_ empty, resp *statusResp) error {
	st, err := s.h.Submit(context.Background(), tester.Acknowledge{})
	return s.reply(resp, st, err)
}

func (s *rpcHandler) SetCutoff(req cutoffReq, resp *statusResp) error {
	st, err := s.h.SetCutoff(context.Background(), domain.MilliVolts(req.MilliVolts))
	return s.reply(resp, st, err)
}

func (s *rpcHandler) Status(_ empty, resp *statusResp) error {
	st, err := s.h.Status(context.Background())
	return s.reply(resp, st, err)
}

// Serve accepts connections on socketPath until ctx is done.
func Serve(ctx context.Context, socketPath string, h Handler, log logger.Logger) error {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return errFactory.Wrap(ErrListen, err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(ErrListen, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return errFactory.Wrap(ErrListen, err)
	}
	defer ln.Close()
	if err := os.Chmod(socketPath, 0o660); err != nil {
		return errFactory.Wrap(ErrListen, err)
	}

	srv := rpc.NewServer()
	if err := srv.RegisterName(serviceName, &rpcHandler{h: h}); err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	log.Info().Str("socket", socketPath).Msg("Control socket listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errFactory.Wrap(ErrListen, err)
		}
		go srv.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Client calls a running daemon. Every call dials a fresh connection.
type Client struct {
	socketPath string
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) SetBattery(ctx context.Context, id string) (tester.Status, error) {
	return c.call(ctx, "SetBattery", batteryReq{ID: id})
}

func (c *Client) Start(ctx context.Context) (tester.Status, error) {
	return c.call(ctx, "Start", empty{})
}

func (c *Client) Pause(ctx context.Context) (tester.Status, error) {
	return c.call(ctx, "Pause", empty{})
}

func (c *Client) Cancel(ctx context.Context) (tester.Status, error) {
	return c.call(ctx, "Cancel", empty{})
}

func (c *Client) Acknowledge(ctx context.Context) (tester.Status, error) {
	return c.call(ctx, "Acknowledge", empty{})
}

func (c *Client) SetCutoff(ctx context.Context, cutoff domain.MilliVolts) (tester.Status, error) {
	return c.call(ctx, "SetCutoff", cutoffReq{MilliVolts: int32(cutoff)})
}

func (c *Client) Status(ctx context.Context) (tester.Status, error) {
	return c.call(ctx, "Status", empty{})
}

func (c *Client) call(ctx context.Context, method string, req any) (tester.Status, error) {
	errFactory := errors.New()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return tester.Status{}, errFactory.WithData(ErrDial, struct {
			Socket string
			Error  string
		}{
			Socket: c.socketPath,
			Error:  err.Error(),
		})
	}
	client := jsonrpc.NewClient(conn)
	defer client.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var resp statusResp
	if err := client.Call(serviceName+"."+method, req, &resp); err != nil {
		return tester.Status{}, errFactory.Wrap(ErrCall, err)
	}
	if resp.Error != nil {
		return resp.Status, errFactory.WithMessage(errors.ErrorCode(resp.Error.Code), resp.Error.Message)
	}
	return resp.Status, nil
}
