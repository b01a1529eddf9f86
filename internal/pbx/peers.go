package pbx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Peer status values.
const (
	StatusOnline      = "online"
	StatusOffline     = "offline"
	StatusUnmonitored = "unmonitored"
	StatusUnknown     = "unknown"
)

// Peer is a numeric SIP or PJSIP endpoint configured on the switch.
type Peer struct {
	Extension string `json:"extension"`
	Status    string `json:"status"`
	LatencyMS *int   `json:"latency_ms,omitempty"`
	Type      string `json:"type"`
}

// Peers lists the numeric endpoints on the switch. chan_sip is tried first,
// falling back to PJSIP when it is not loaded.
func (p *PBX) Peers(ctx context.Context) ([]Peer, error) {
	out, err := p.CLI(ctx, "sip show peers")
	if err == nil && strings.TrimSpace(out) != "" && !sipUnavailable(out) {
		return parseSIPPeers(out), nil
	}
	if err != nil {
		p.logger.Debug("sip show peers failed, trying pjsip", "error", err)
	}

	out, err = p.CLI(ctx, "pjsip show endpoints")
	if err != nil {
		return nil, fmt.Errorf("listing endpoints: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return nil, fmt.Errorf("listing endpoints: empty output")
	}
	return parsePJSIPEndpoints(out), nil
}

func sipUnavailable(out string) bool {
	return strings.Contains(out, "Unable to connect") || strings.Contains(out, "No such command")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// parseSIPPeers parses "sip show peers" lines such as
// "101/101    10.0.0.5   D  A  5060  OK (15 ms)".
func parseSIPPeers(out string) []Peer {
	var peers []Peer
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Name") || strings.HasPrefix(line, "===") ||
			strings.Contains(strings.ToLower(line), "sip peers") {
			continue
		}
		fields := strings.Fields(line)
		name := strings.TrimPrefix(strings.SplitN(fields[0], "/", 2)[0], "SIP/")
		if !isDigits(name) {
			continue
		}

		peer := Peer{Extension: name, Status: StatusOffline, Type: "SIP"}
		switch {
		case strings.Contains(line, "UNREACHABLE") || strings.Contains(line, "Unreachable"):
			peer.Status = StatusOffline
		case strings.Contains(line, "OK") || strings.Contains(line, "Reachable"):
			peer.Status = StatusOnline
		case strings.Contains(line, "Unmonitored"):
			peer.Status = StatusUnmonitored
		}

		if open := strings.LastIndex(line, "("); open >= 0 {
			if ms := strings.Index(line[open:], "ms"); ms > 0 {
				if v, err := strconv.Atoi(strings.TrimSpace(line[open+1 : open+ms])); err == nil {
					peer.LatencyMS = &v
				}
			}
		}
		peers = append(peers, peer)
	}
	return peers
}

// parsePJSIPEndpoints parses "pjsip show endpoints" lines such as
// " Endpoint:  101/101    Not in use    0 of inf" or the compact
// "101  Yes  No  Avail  10.0.0.15  5060" form.
func parsePJSIPEndpoints(out string) []Peer {
	var peers []Peer
	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "===") || strings.Contains(line, "Objects found") {
			continue
		}
		fields := strings.Fields(line)
		if fields[0] == "Endpoint:" {
			if len(fields) < 2 {
				continue
			}
			fields = fields[1:]
		}
		name := strings.SplitN(fields[0], "/", 2)[0]
		if !isDigits(name) || seen[name] {
			continue
		}
		seen[name] = true

		peer := Peer{Extension: name, Status: StatusOffline, Type: "PJSIP"}
		switch {
		case strings.Contains(line, "Unavail") || strings.Contains(line, "Offline"):
			peer.Status = StatusOffline
		case strings.Contains(line, "Avail") || strings.Contains(line, "Online") ||
			strings.Contains(line, "Not in use") || strings.Contains(line, "In use"):
			peer.Status = StatusOnline
		}
		peers = append(peers, peer)
	}
	return peers
}

// ExtensionStatus reports online, offline or unknown for a single extension.
func (p *PBX) ExtensionStatus(ctx context.Context, ext string) (string, error) {
	if !isDigits(ext) {
		return StatusUnknown, fmt.Errorf("invalid extension %q", ext)
	}
	out, err := p.CLI(ctx, "sip show peer "+ext)
	if err != nil || strings.Contains(strings.ToLower(out), "not found") || sipUnavailable(out) {
		out, err = p.CLI(ctx, "pjsip show endpoint "+ext)
		if err != nil {
			return StatusUnknown, nil
		}
	}
	return statusFromDetail(out), nil
}

func statusFromDetail(out string) string {
	switch {
	case strings.Contains(out, "Unreachable") || strings.Contains(out, "UNREACHABLE") || strings.Contains(out, "Unavail"):
		return StatusOffline
	case strings.Contains(out, "OK") || strings.Contains(out, "Reachable") || strings.Contains(out, "Avail"):
		return StatusOnline
	}
	return StatusUnknown
}
