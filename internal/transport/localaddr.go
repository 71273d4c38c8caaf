package transport

import (
	"context"
	"net"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/util"
)

// FallbackAddress is reported when discovery finds nothing in time.
const FallbackAddress = "127.0.0.1"

// DiscoverLocalAddress gathers ICE candidates on a throwaway PeerConnection
// and returns the first IPv4 address found. It never fails: on error or after
// timeout it returns FallbackAddress.
func DiscoverLocalAddress(ctx context.Context, api *webrtc.API, stunServers []string, timeout time.Duration) string {
	if api == nil {
		api = NewAPI()
	}

	pc, err := newPeerConnection(api, stunServers)
	if err != nil {
		util.LogWarning("address discovery: %v", err)
		return FallbackAddress
	}
	defer pc.Close()

	found := make(chan string, 1)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			select {
			case found <- "":
			default:
			}
			return
		}
		if ip := net.ParseIP(c.Address); ip != nil && ip.To4() != nil {
			select {
			case found <- ip.String():
			default:
			}
		}
	})

	if _, err := pc.CreateDataChannel("", nil); err != nil {
		util.LogWarning("address discovery: %v", err)
		return FallbackAddress
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		util.LogWarning("address discovery: %v", err)
		return FallbackAddress
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		util.LogWarning("address discovery: %v", err)
		return FallbackAddress
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case addr := <-found:
		if addr == "" {
			return FallbackAddress
		}
		return addr
	case <-ctx.Done():
		util.LogDebug("address discovery timed out after %s", timeout)
		return FallbackAddress
	}
}
