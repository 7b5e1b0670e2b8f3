// Package node tracks connected runtime nodes and the enforcement
// profile of every command a node can be asked to run.
package node

import (
	"errors"
	"net"
	"strings"
)

// Registry errors.
var (
	ErrNotConnected = errors.New("node not connected")
	ErrEmptyNodeID  = errors.New("empty node id")
)

// Exposure classifies how the gateway listener is reachable.
type Exposure string

const (
	// ExposureLoopback means the listener binds 127.0.0.1 or ::1 only.
	ExposureLoopback Exposure = "loopback"
	// ExposureTailnetServe means the listener is published through a
	// tailnet serve proxy and is not directly routable.
	ExposureTailnetServe Exposure = "tailnet-serve"
	// ExposureOpen means the listener is reachable from other hosts.
	ExposureOpen Exposure = "open"
)

// Safe reports whether dangerous commands may run on this exposure
// without the dangerous-exposure override.
func (e Exposure) Safe() bool {
	return e == ExposureLoopback || e == ExposureTailnetServe
}

// ClassifyExposure derives the listener exposure from a bind address
// ("host:port" or a bare host) and the tailnet serve flag.
func ClassifyExposure(bindAddr string, tailnetServe bool) Exposure {
	if tailnetServe {
		return ExposureTailnetServe
	}
	host := bindAddr
	if h, _, err := net.SplitHostPort(bindAddr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return ExposureLoopback
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return ExposureLoopback
	}
	return ExposureOpen
}

// Session is a live connection from a runtime node. Commands holds the
// command names the node advertised in its hello; a node that
// advertised nothing can run nothing.
type Session struct {
	NodeID        string
	DisplayName   string
	RemoteAddr    string
	Commands      []string
	ConnectedAtMs int64
	LastSeenMs    int64
}

// Supports reports whether the node advertised the given command.
func (s Session) Supports(command string) bool {
	for _, c := range s.Commands {
		if c == command {
			return true
		}
	}
	return false
}

func (s Session) clone() Session {
	s.Commands = append([]string(nil), s.Commands...)
	return s
}
