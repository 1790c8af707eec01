package metrics

import (
	"time"

	"github.com/cuemby/vpnforge/pkg/storage"
)

// Collector periodically samples the Store and publishes inventory gauges
// (users/servers by status and protocol). Cache and proxy metrics are
// updated inline by their owning components; this collector only covers
// metrics that require a periodic full scan.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15 second tick, matching the
// teacher's collector cadence.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectUserMetrics()
	c.collectServerMetrics()
}

func (c *Collector) collectUserMetrics() {
	users, _, err := c.store.ListUsers(storage.Filter{}, storage.Pagination{Page: 1, PageSize: 500})
	if err != nil {
		return
	}
	counts := make(map[[2]string]int)
	for _, u := range users {
		counts[[2]string{string(u.Status), string(u.ProtocolBinding.Kind)}]++
	}
	UsersTotal.Reset()
	for k, v := range counts {
		UsersTotal.WithLabelValues(k[0], k[1]).Set(float64(v))
	}
}

func (c *Collector) collectServerMetrics() {
	servers, _, err := c.store.ListServers(storage.Filter{}, storage.Pagination{Page: 1, PageSize: 500})
	if err != nil {
		return
	}
	counts := make(map[[2]string]int)
	for _, s := range servers {
		counts[[2]string{string(s.Status), string(s.Protocol)}]++
	}
	ServersTotal.Reset()
	for k, v := range counts {
		ServersTotal.WithLabelValues(k[0], k[1]).Set(float64(v))
	}
}
