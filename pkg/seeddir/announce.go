package seeddir

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"
)

// Announcer runs LAN seed-node discovery over IPv6 multicast, feeding
// discovered peers into a Directory (mirroring the teacher's
// discovery.Manager wrapping of peerdiscovery, restricted here to IPv6
// per the transport's IPv6-only constraint).
type Announcer struct {
	dir      *Directory
	seedID   uint64
	stopChan chan struct{}
	logger   *log.Entry
}

// Announce starts broadcasting and listening for other STOQ nodes
// interested in seedID, on its own internal goroutine (peerdiscovery.Discover
// blocks for its own lifetime). Call Close to stop.
func Announce(dir *Directory, seedID uint64, port int, interval time.Duration, logger *log.Entry) (*Announcer, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	a := &Announcer{
		dir:      dir,
		seedID:   seedID,
		stopChan: make(chan struct{}),
		logger:   logger.WithField("seed_id", seedID),
	}

	settings := peerdiscovery.Settings{
		Limit:     -1,
		Port:      fmt.Sprintf("%d", port),
		Payload:   []byte(fmt.Sprintf("stoq-seed:%d", seedID)),
		Delay:     interval,
		TimeLimit: -1,
		StopChan:  a.stopChan,
		AllowSelf: false,
		IPVersion: peerdiscovery.IPv6,
		Notify:    a.notify,
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := peerdiscovery.Discover(settings)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-time.After(time.Second):
	}

	return a, nil
}

func (a *Announcer) notify(discovered peerdiscovery.Discovered) {
	a.logger.WithField("peer", discovered.Address).Debug("discovered seed-announcing peer")
	a.dir.ObserveDiscovery(a.seedID, fmt.Sprintf("[%s]", discovered.Address), 0)
}

// Close stops the announcer's discovery loop.
func (a *Announcer) Close() {
	close(a.stopChan)
}
