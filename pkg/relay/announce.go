// Package relay is the outbound uplink to a public relay: the host dials out,
// announces its address and endpoints, and serves INPUT messages forwarded by
// the relay. No inbound ports are required on the host.
package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openonion/connectonion/pkg/identity"
	"github.com/openonion/connectonion/pkg/protocol"
)

// publicIPService returns the caller's public IP as plain text.
const publicIPService = "https://api.ipify.org"

// BuildAnnounce builds a signed ANNOUNCE message. The signature covers the
// whole announce body so the relay can verify the host owns its address.
// relayURL, when non-empty, is carried so callers learn which relay forwards
// to this host.
func BuildAnnounce(id *identity.Identity, summary string, endpoints []string, relayURL string) (map[string]any, error) {
	body := map[string]any{
		"type":      protocol.MsgAnnounce,
		"address":   id.Address,
		"timestamp": time.Now().Unix(),
		"summary":   summary,
		"endpoints": endpoints,
	}
	if relayURL != "" {
		body["relay"] = relayURL
	}
	sig, err := protocol.Sign(id.PrivateKey, body)
	if err != nil {
		return nil, fmt.Errorf("sign announce: %w", err)
	}

	msg := make(map[string]any, len(body)+1)
	for k, v := range body {
		msg[k] = v
	}
	msg["signature"] = sig
	return msg, nil
}

// DiscoverEndpoints lists the host's reachable endpoints for the given port:
// localhost, every non-loopback interface address, and (best effort) the
// public IP. Each address yields an HTTP and a WS endpoint.
func DiscoverEndpoints(ctx context.Context, port int) []string {
	ips := []string{"localhost"}

	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
				continue
			}
			ips = append(ips, ipNet.IP.String())
		}
	}

	if public := lookupPublicIP(ctx); public != "" && !contains(ips, public) {
		ips = append(ips, public)
	}

	endpoints := make([]string, 0, len(ips)*2)
	for _, ip := range ips {
		endpoints = append(endpoints,
			fmt.Sprintf("http://%s:%d", ip, port),
			fmt.Sprintf("ws://%s:%d/ws", ip, port),
		)
	}
	return endpoints
}

// lookupPublicIP asks an external service for the public IP. Failures are
// fine; the announce just carries fewer endpoints.
func lookupPublicIP(ctx context.Context) string {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, publicIPService, nil)
	if err != nil {
		return ""
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return ""
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
