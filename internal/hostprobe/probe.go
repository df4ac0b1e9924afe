// Package hostprobe checks whether a host answers ICMP echo and accepts
// commands through its executor.
package hostprobe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-ping/ping"

	c "github.com/pvik/fleetd/internal/config"
	"github.com/pvik/fleetd/internal/remote"
	"github.com/pvik/fleetd/pkg/db"
	log "github.com/sirupsen/logrus"
)

// Command is what a successful check runs on the host
const Command = "hostname && uname -a"

type PingStats struct {
	Sent     int
	Received int
	AvgRTT   time.Duration
}

type PingFunc func(ctx context.Context, addr string, cfg c.ProbeConfig) (PingStats, error)

// Report of one check. Ping fields stay zero for local hosts.
type Report struct {
	HostID    string        `json:"host-id"`
	Address   string        `json:"address"`
	Pinged    bool          `json:"pinged"`
	Sent      int           `json:"sent"`
	Received  int           `json:"received"`
	AvgRTT    time.Duration `json:"avg-rtt"`
	PingError string        `json:"ping-error,omitempty"`
	Connected bool          `json:"connected"`
	Hostname  string        `json:"hostname,omitempty"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type Prober struct {
	Config    c.ProbeConfig
	Connector remote.Connector
	Ping      PingFunc
}

func New(cfg c.ProbeConfig, connector remote.Connector) *Prober {
	return &Prober{Config: cfg, Connector: connector, Ping: icmpPing}
}

// Probe pings a remote host, then runs Command through its executor
func (p *Prober) Probe(ctx context.Context, h *db.Host) Report {
	rep := Report{HostID: h.ID, Address: h.Hostname}
	logger := log.WithFields(log.Fields{
		"host":    h.ID,
		"address": h.Hostname,
	})

	if !h.IsLocal && p.Ping != nil {
		rep.Pinged = true
		stats, err := p.Ping(ctx, h.Hostname, p.Config)
		rep.Sent, rep.Received, rep.AvgRTT = stats.Sent, stats.Received, stats.AvgRTT
		if err != nil {
			rep.PingError = err.Error()
			logger.WithField("error", err).Warn("ping failed")
		} else if stats.Received == 0 {
			// many hosts drop ICMP, ssh still decides
			rep.PingError = "no echo replies"
		}
	}

	res, err := p.Connector.Executor(h).Exec(ctx, Command, 10*time.Second, "")
	switch {
	case err != nil:
		rep.Error = err.Error()
	case !res.OK():
		rep.Error = strings.TrimSpace(res.Stderr)
		if rep.Error == "" {
			rep.Error = fmt.Sprintf("command exited %d", res.ExitCode)
		}
	default:
		rep.Connected = true
		rep.Output = strings.TrimSpace(res.Stdout)
		rep.Hostname, _, _ = strings.Cut(rep.Output, "\n")
	}

	logger.WithFields(log.Fields{
		"connected": rep.Connected,
		"received":  rep.Received,
	}).Info("host probed")
	return rep
}

// Status is the host status a report maps to
func (r Report) Status() db.HostStatus {
	if r.Connected {
		return db.HostConnected
	}
	return db.HostUnreachable
}

func icmpPing(ctx context.Context, addr string, cfg c.ProbeConfig) (PingStats, error) {
	pinger, err := ping.NewPinger(addr)
	if err != nil {
		return PingStats{}, fmt.Errorf("resolve %s: %w", addr, err)
	}
	pinger.Count = cfg.Count
	pinger.Timeout = cfg.Timeout.Duration
	pinger.SetPrivileged(cfg.Privileged)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		return PingStats{}, fmt.Errorf("ping %s: %w", addr, err)
	}
	st := pinger.Statistics()
	return PingStats{Sent: st.PacketsSent, Received: st.PacketsRecv, AvgRTT: st.AvgRtt}, nil
}
