package agent

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/afkbot/afkbot/internal/shared"
)

// DefaultProbeTimeout bounds the pre-flight dial.
const DefaultProbeTimeout = 15 * time.Second

// ProbeResult is the outcome category of a pre-flight dial.
type ProbeResult string

const (
	ProbeReachable  ProbeResult = "reachable"
	ProbeTimedOut   ProbeResult = "timed_out"
	ProbeRefused    ProbeResult = "refused"
	ProbeOtherError ProbeResult = "error"
)

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober performs a single best-effort TCP dial for diagnostics. Its result
// never decides whether the real connection is attempted.
type Prober struct {
	dial     DialFunc
	logger   *zap.Logger
	onResult func(ProbeResult)
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeResultHook calls f with every probe outcome.
func WithProbeResultHook(f func(ProbeResult)) ProberOption {
	return func(p *Prober) { p.onResult = f }
}

// NewProber creates a Prober. A nil dial uses net.Dialer.
func NewProber(dial DialFunc, logger *zap.Logger, opts ...ProberOption) *Prober {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Prober{dial: dial, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe dials endpoint once and classifies the outcome, logging one line.
func (p *Prober) Probe(ctx context.Context, endpoint shared.Endpoint, timeout time.Duration) ProbeResult {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dial(ctx, "tcp", endpoint.Address())
	elapsed := time.Since(start)
	if err == nil {
		conn.Close()
	}

	result := classifyDialError(err)
	fields := []zap.Field{
		zap.String("endpoint", endpoint.Address()),
		zap.String("result", string(result)),
		zap.Duration("elapsed", elapsed),
	}

	switch result {
	case ProbeReachable:
		p.logger.Info("server is reachable", fields...)
	case ProbeTimedOut:
		p.logger.Warn("server did not answer before the probe timeout",
			append(fields, zap.Duration("timeout", timeout))...)
	case ProbeRefused:
		p.logger.Warn("server refused the connection", fields...)
	default:
		p.logger.Warn("server probe failed", append(fields, zap.Error(err))...)
	}
	if p.onResult != nil {
		p.onResult(result)
	}
	return result
}

func classifyDialError(err error) ProbeResult {
	if err == nil {
		return ProbeReachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ProbeRefused
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ProbeTimedOut
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ProbeTimedOut
	}
	return ProbeOtherError
}
