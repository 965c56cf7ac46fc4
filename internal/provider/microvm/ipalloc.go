package microvm

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/3th1nk/cidr"
)

// ipAllocator hands out guest IPs from the configured CIDR range. The host
// agent expects the caller to pick the guest address; the allocator keeps
// the in-flight set so two concurrent creates never collide.
type ipAllocator struct {
	mu          sync.Mutex
	networkCIDR string
	allocated   map[string]bool
}

func newIPAllocator(networkCIDR string) *ipAllocator {
	return &ipAllocator{
		networkCIDR: networkCIDR,
		allocated:   make(map[string]bool),
	}
}

// next returns a random available IP from the CIDR range.
func (a *ipAllocator) next() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := cidr.Parse(a.networkCIDR)
	if err != nil {
		return "", fmt.Errorf("invalid CIDR notation: %w", err)
	}

	totalIPs := int(c.IPCount().Int64())
	if totalIPs < 2 {
		return "", fmt.Errorf("CIDR range too small: %s", a.networkCIDR)
	}

	// Random probing keeps allocation O(1) on a sparse range; bail after
	// enough misses rather than scanning a full /16.
	for attempts := 0; attempts < 100; attempts++ {
		randomIndex := rand.Intn(totalIPs)

		var selectedIP string
		count := 0
		c.Each(func(ip string) bool {
			if count == randomIndex {
				if ip != "" && !a.allocated[ip] {
					selectedIP = ip
					a.allocated[selectedIP] = true
					return false
				}
			}
			count++
			return true
		})

		if selectedIP != "" {
			return selectedIP, nil
		}
	}

	return "", fmt.Errorf("no free IPs available in subnet %s", a.networkCIDR)
}

// markUsed records an IP already held by a running sandbox, e.g. one
// discovered through list() after a restart.
func (a *ipAllocator) markUsed(ip string) {
	if ip == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocated[ip] = true
}

// release returns an IP to the pool after its sandbox is destroyed.
func (a *ipAllocator) release(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, ip)
}
