package stunutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"

	"leakwatch/internal/addrutil"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

var ErrNoServers = errors.New("stunutil: no STUN servers provided")

// Mapping is one server's view of the local socket.
type Mapping struct {
	Server string
	// Addr is "host:port" as seen by Server.
	Addr string
}

// Probe queries STUN servers for a public mapped address and reports the NAT
// type inferred from the mappings.
// Note: The mapped address is for the STUN socket and may not match other sockets.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (string, string, error) {
	if len(servers) == 0 {
		return "", NATTypeUnknown, ErrNoServers
	}

	results := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		results = append(results, addr)
	}

	if len(results) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("STUN probe failed")
		}
		return "", NATTypeUnknown, lastErr
	}

	return results[0], Classify(results), nil
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	first := addrs[0]
	for _, addr := range addrs[1:] {
		if addr != first {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

// CandidateLine renders a mapped address in the server-reflexive candidate
// form the probe's candidate filter consumes.
func CandidateLine(index int, mapped string) string {
	h := addrutil.HostFromAddr(mapped)
	port := "0"
	if i := strings.LastIndexByte(mapped, ':'); i >= 0 && i < len(mapped)-1 && h != mapped {
		port = mapped[i+1:]
	}
	return fmt.Sprintf("candidate:stun%d 1 udp 1686052607 %s %s typ srflx", index, h, port)
}

func normalizeURI(server string) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") && !strings.HasPrefix(uriStr, "stuns:") {
		uriStr = "stun:" + uriStr
	}
	return uriStr, nil
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr, err := normalizeURI(server)
	if err != nil {
		return "", err
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			select {
			case fail <- err:
			default:
			}
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
