package xtool

import (
	"context"
	"encoding/json"
	"math/rand"
	"net"
	"time"
)

// Discover broadcasts one discovery request on UDP port 20000 and collects
// replies until the timeout window closes. An empty result is not an error;
// callers fall back to manual host entry.
func Discover(ctx context.Context, timeout time.Duration) ([]DiscoveredDevice, error) {
	if timeout < time.Second {
		timeout = time.Second
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: DefaultDiscoveryPort})
	if err != nil {
		return nil, &CommError{Op: "discovery", Err: err}
	}
	defer conn.Close()

	target := &net.UDPAddr{IP: net.IPv4bcast, Port: DefaultDiscoveryPort}
	return discoverOn(ctx, conn, target, timeout)
}

// discoverOn runs the request/collect exchange on an existing socket. Replies
// must echo the request ID; duplicates from the same host collapse into one
// entry, last reply winning. Split from Discover so tests can drive it over
// loopback.
func discoverOn(ctx context.Context, conn *net.UDPConn, target *net.UDPAddr, timeout time.Duration) ([]DiscoveredDevice, error) {
	requestID := 100000 + rand.Intn(900000)
	payload, err := json.Marshal(discoveryRequest{RequestID: requestID})
	if err != nil {
		return nil, &CommError{Op: "discovery", Err: err}
	}

	if _, err := conn.WriteToUDP(payload, target); err != nil {
		return nil, &CommError{Op: "discovery", Err: err}
	}

	var (
		order []string
		found = make(map[string]DiscoveredDevice)
		buf   = make([]byte, 4096)
	)

	deadline := time.Now().Add(timeout)
	for {
		if ctx.Err() != nil {
			break
		}

		conn.SetReadDeadline(deadline)
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			// The window closing is the normal exit.
			break
		}

		var reply discoveryReply
		if err := json.Unmarshal(buf[:n], &reply); err != nil {
			continue
		}

		// Our own broadcast comes back with a matching ID but no ip field.
		if reply.RequestID != requestID || reply.IP == "" {
			continue
		}

		host := reply.IP
		if _, seen := found[host]; !seen {
			order = append(order, host)
		}

		name := reply.Name
		if name == "" {
			name = "xTool Laser"
		}

		found[host] = DiscoveredDevice{
			Host:    host,
			Name:    name,
			Version: reply.Version,
		}
	}

	devices := make([]DiscoveredDevice, 0, len(found))
	for _, host := range order {
		devices = append(devices, found[host])
	}
	return devices, nil
}
