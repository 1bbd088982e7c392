package rpc

import (
	"log/slog"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/codec"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Options tunes the gRPC keepalive behaviour of servers and clients.
// Unset fields keep the gRPC defaults.
type Options struct {
	// Interval between PING frames.
	KeepAliveTime *time.Duration `mapstructure:"keep_alive_time"`
	// Time to wait for a PING ack.
	KeepAliveTimeout *time.Duration `mapstructure:"keep_alive_timeout"`
	// Send pings without active calls (client).
	KeepAliveWithoutCalls *bool `mapstructure:"keep_alive_without_calls"`
	// Allow clients to ping without active calls (server).
	PermitKeepAliveWithoutCalls *bool `mapstructure:"permit_keep_alive_without_calls"`
	// Minimum time between client pings (server).
	PermitKeepAliveTime *time.Duration `mapstructure:"permit_keep_alive_time"`
}

// ServerOptions returns the server options derived from o.
func (o *Options) ServerOptions() []grpc.ServerOption {
	var opts []grpc.ServerOption
	if o == nil {
		return opts
	}

	params := keepalive.ServerParameters{}
	if o.KeepAliveTime != nil {
		params.Time = *o.KeepAliveTime
	}
	if o.KeepAliveTimeout != nil {
		params.Timeout = *o.KeepAliveTimeout
	}
	if o.KeepAliveTime != nil || o.KeepAliveTimeout != nil {
		opts = append(opts, grpc.KeepaliveParams(params))
	}

	policy := keepalive.EnforcementPolicy{}
	if o.PermitKeepAliveWithoutCalls != nil {
		policy.PermitWithoutStream = *o.PermitKeepAliveWithoutCalls
	}
	if o.PermitKeepAliveTime != nil {
		policy.MinTime = *o.PermitKeepAliveTime
	}
	if o.PermitKeepAliveWithoutCalls != nil || o.PermitKeepAliveTime != nil {
		opts = append(opts, grpc.KeepaliveEnforcementPolicy(policy))
	}
	return opts
}

// DialOptions returns the client options derived from o. The CBOR codec
// and insecure transport credentials are always included.
func (o *Options) DialOptions() []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec.Name)),
	}
	if o == nil {
		return opts
	}

	params := keepalive.ClientParameters{}
	if o.KeepAliveTime != nil {
		params.Time = *o.KeepAliveTime
	}
	if o.KeepAliveTimeout != nil {
		params.Timeout = *o.KeepAliveTimeout
	}
	if o.KeepAliveWithoutCalls != nil {
		params.PermitWithoutStream = *o.KeepAliveWithoutCalls
	}
	if o.KeepAliveTime != nil || o.KeepAliveTimeout != nil || o.KeepAliveWithoutCalls != nil {
		opts = append(opts, grpc.WithKeepaliveParams(params))
	}
	return opts
}

// Log writes the configured options at info level.
func (o *Options) Log(logger *slog.Logger) {
	if o == nil {
		return
	}
	var attrs []any
	if o.KeepAliveTime != nil {
		attrs = append(attrs, "keep_alive_time", *o.KeepAliveTime)
	}
	if o.KeepAliveTimeout != nil {
		attrs = append(attrs, "keep_alive_timeout", *o.KeepAliveTimeout)
	}
	if o.KeepAliveWithoutCalls != nil {
		attrs = append(attrs, "keep_alive_without_calls", *o.KeepAliveWithoutCalls)
	}
	if o.PermitKeepAliveWithoutCalls != nil {
		attrs = append(attrs, "permit_keep_alive_without_calls", *o.PermitKeepAliveWithoutCalls)
	}
	if o.PermitKeepAliveTime != nil {
		attrs = append(attrs, "permit_keep_alive_time", *o.PermitKeepAliveTime)
	}
	if len(attrs) > 0 {
		logger.Info("GRPC options", attrs...)
	}
}
