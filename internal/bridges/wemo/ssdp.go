package wemo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/ipv4"
)

// SSDP defaults.
const (
	SearchTarget         = ServiceBasicEvent
	SSDPAddr             = "239.255.255.250:1900"
	DefaultSearchWindow  = 3 * time.Second
	ssdpMulticastTTL     = 2
	ssdpMaxDatagramBytes = 2048
	ssdpSends            = 2
)

// SSDPResponse is one answer to an M-SEARCH.
type SSDPResponse struct {
	Host     string
	Port     int
	UDN      string
	Location string
	ST       string
}

// Searcher finds devices on the local network.
type Searcher interface {
	Search(ctx context.Context, window time.Duration) ([]SSDPResponse, error)
}

// SSDPSearcher sends M-SEARCH datagrams and collects unicast replies.
type SSDPSearcher struct {
	// Target is the ST header value.
	Target string
	// Interface names the multicast interface; empty uses the system default.
	Interface string
	// Addr is the search destination. Defaults to the SSDP multicast group.
	Addr string
}

// Search sends the query and gathers responses until the window closes.
// Duplicate locations are collapsed.
func (s *SSDPSearcher) Search(ctx context.Context, window time.Duration) ([]SSDPResponse, error) {
	target := s.Target
	if target == "" {
		target = SearchTarget
	}
	addr := s.Addr
	if addr == "" {
		addr = SSDPAddr
	}
	if window <= 0 {
		window = DefaultSearchWindow
	}

	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %w", ErrDiscovery, addr, err)
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: opening ssdp socket: %w", ErrDiscovery, err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if dst.IP.IsMulticast() {
		if err := pc.SetMulticastTTL(ssdpMulticastTTL); err != nil {
			return nil, fmt.Errorf("%w: setting multicast ttl: %w", ErrDiscovery, err)
		}
		if s.Interface != "" {
			ifi, err := net.InterfaceByName(s.Interface)
			if err != nil {
				return nil, fmt.Errorf("%w: interface %s: %w", ErrDiscovery, s.Interface, err)
			}
			if err := pc.SetMulticastInterface(ifi); err != nil {
				return nil, fmt.Errorf("%w: setting multicast interface: %w", ErrDiscovery, err)
			}
		}
	}

	msg := searchMessage(target, window)
	for i := 0; i < ssdpSends; i++ {
		if _, err := pc.WriteTo(msg, nil, dst); err != nil {
			return nil, fmt.Errorf("%w: sending M-SEARCH: %w", ErrDiscovery, err)
		}
	}

	deadline := time.Now().Add(window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}

	// Unblock the read if ctx ends early.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) }) //nolint:errcheck // best effort
	defer stop()

	seen := make(map[string]bool)
	var out []SSDPResponse
	buf := make([]byte, ssdpMaxDatagramBytes)
	for {
		n, _, _, err := pc.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return out, fmt.Errorf("%w: reading ssdp: %w", ErrDiscovery, err)
		}
		r, ok := parseSearchResponse(buf[:n])
		if !ok || seen[r.Location] {
			continue
		}
		if r.ST != "" && !strings.EqualFold(r.ST, target) {
			continue
		}
		seen[r.Location] = true
		out = append(out, r)
	}
	return out, nil
}

func searchMessage(target string, window time.Duration) []byte {
	mx := int(window / time.Second)
	if mx < 1 {
		mx = 1
	}
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + SSDPAddr + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: " + strconv.Itoa(mx) + "\r\n" +
		"ST: " + target + "\r\n\r\n")
}

// parseSearchResponse reads an HTTP-over-UDP search reply.
func parseSearchResponse(b []byte) (SSDPResponse, bool) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return SSDPResponse{}, false
	}
	resp.Body.Close()

	loc := resp.Header.Get("Location")
	u, err := url.Parse(loc)
	if err != nil || u.Hostname() == "" {
		return SSDPResponse{}, false
	}
	// A missing port leaves 0, which probes the default ports.
	port, _ := strconv.Atoi(u.Port())

	return SSDPResponse{
		Host:     u.Hostname(),
		Port:     port,
		UDN:      udnFromUSN(resp.Header.Get("Usn")),
		Location: loc,
		ST:       strings.TrimSpace(resp.Header.Get("St")),
	}, true
}

// udnFromUSN returns the USN up to the first "::".
func udnFromUSN(usn string) string {
	udn, _, _ := strings.Cut(strings.TrimSpace(usn), "::")
	return udn
}
