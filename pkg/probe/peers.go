package probe

import (
	"net/netip"
	"time"

	"github.com/apex/log"
	"github.com/ddirect/container/ttlmap"
)

type peerInfo struct {
	first time.Time
	pings int
}

// peerTracker remembers which peers sent pings recently, for logging only.
type peerTracker struct {
	observe func(netip.AddrPort)
	reap    func()
}

func newPeerTracker(ttl time.Duration, logger log.Interface) peerTracker {
	peers, expired := ttlmap.New[string, peerInfo](ttl, ttl/60)
	return peerTracker{
		observe: func(peer netip.AddrPort) {
			info, found := peers.GetOrCreate(peer.String())
			if !found {
				logger.Infof("new peer %s", info.Key())
				info.Value = peerInfo{first: time.Now()}
			}
			info.Value.pings++
		},
		reap: func() {
			for {
				select {
				case seq := <-expired:
					for p := range seq {
						logger.WithField("pings", p.Value.pings).Infof("peer %s expired after %v", p.Key(), time.Since(p.Value.first).Round(time.Second))
					}
				default:
					return
				}
			}
		},
	}
}
