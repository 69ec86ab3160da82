package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/sakost/betcode/pkg/relay"
	"github.com/sakost/betcode/pkg/wire"
)

// routerClient is a thin client over the relay's hand-authored
// betcode.v1.Router and betcode.v1.Auth services (pkg/relay), dialed
// with grpc.NewClient the way the rest of the ecosystem does it rather
// than the deprecated grpc.Dial (SPEC_FULL.md §6.2).
type routerClient struct {
	conn        *grpc.ClientConn
	accessToken string
}

func dialRelay(addr string, insecureTLS bool, caCertPath string) (*routerClient, error) {
	var dialCreds grpc.DialOption
	if insecureTLS {
		dialCreds = grpc.WithTransportCredentials(insecure.NewCredentials())
	} else {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if caCertPath != "" {
			pem, err := os.ReadFile(caCertPath)
			if err != nil {
				return nil, fmt.Errorf("read CA cert %s: %w", caCertPath, err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("parse CA cert %s", caCertPath)
			}
			tlsCfg.RootCAs = pool
		}
		dialCreds = grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg))
	}
	conn, err := grpc.NewClient(addr, dialCreds)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", addr, err)
	}
	return &routerClient{conn: conn}, nil
}

func (c *routerClient) Close() error { return c.conn.Close() }

func (c *routerClient) authCtx(ctx context.Context) context.Context {
	if c.accessToken == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.accessToken)
}

// Login exchanges a username/password for an access/refresh token pair
// via betcode.v1.Auth, caching the access token for subsequent calls.
func (c *routerClient) Login(ctx context.Context, username, password string) (*relay.LoginResponse, error) {
	var resp relay.LoginResponse
	err := c.conn.Invoke(ctx, "/betcode.v1.Auth/Login", &relay.LoginRequest{Username: username, Password: password}, &resp,
		grpc.CallContentSubtype(relay.CodecName))
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.accessToken = resp.AccessToken
	return &resp, nil
}

// Refresh rotates a refresh token for a fresh access/refresh pair.
func (c *routerClient) Refresh(ctx context.Context, refreshToken string) (*relay.LoginResponse, error) {
	var resp relay.LoginResponse
	err := c.conn.Invoke(ctx, "/betcode.v1.Auth/Refresh", &relay.RefreshRequest{RefreshToken: refreshToken}, &resp,
		grpc.CallContentSubtype(relay.CodecName))
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	c.accessToken = resp.AccessToken
	return &resp, nil
}

// Call invokes a named daemon method and unmarshals the JSON response
// payload into out.
func (c *routerClient) Call(ctx context.Context, machineID, method string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	req := &wire.MethodRequest{Method: method, MachineID: machineID, Payload: payload, Priority: methodPriority(method)}
	var resp wire.MethodResponse
	err = c.conn.Invoke(c.authCtx(ctx), "/betcode.v1.Router/Call", req, &resp, grpc.CallContentSubtype(relay.CodecName))
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%s: %s", method, resp.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Payload, out)
}

// Stream invokes a named daemon streaming method, delivering each
// StreamPayload to fn until the server closes the stream or ctx is done.
func (c *routerClient) Stream(ctx context.Context, machineID, method string, in any, fn func(*wire.StreamPayload) error) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	req := &wire.MethodRequest{Method: method, MachineID: machineID, Payload: payload, Priority: methodPriority(method)}

	desc := &grpc.StreamDesc{StreamName: "Stream", ServerStreams: true}
	stream, err := c.conn.NewStream(c.authCtx(ctx), desc, "/betcode.v1.Router/Stream", grpc.CallContentSubtype(relay.CodecName))
	if err != nil {
		return fmt.Errorf("open stream %s: %w", method, err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("send stream request %s: %w", method, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close stream send %s: %w", method, err)
	}
	for {
		var sp wire.StreamPayload
		if err := stream.RecvMsg(&sp); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(&sp); err != nil {
			return err
		}
	}
}

// methodPriority ranks a method for buffer.Store ordering when its
// target machine is offline (pkg/buffer's priority-desc drain order):
// permission answers and input unblock a waiting agent loop, so they
// jump ahead of routine reads once the machine reconnects.
func methodPriority(method string) int {
	switch method {
	case "permission.respond", "session.send_input":
		return 10
	case "session.input_lock.request", "permission.decide":
		return 5
	default:
		return 0
	}
}
