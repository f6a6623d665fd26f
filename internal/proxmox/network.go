package proxmox

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/cyberlab/labd/internal/model"
)

const (
	labSubnetCIDR  = "10.0.0.0/24"
	labGatewayAddr = "10.0.0.1"
	labDHCPStart   = "10.0.0.2"
	labDHCPEnd     = "10.0.0.254"

	macPrefix     = "BC:24:11:E2:98"
	macFirstOctet = 0x10
)

// ProvisionLabNetwork builds an isolated virtual network for one lab: a
// fresh SDN zone, a vnet carrying the zone's name, a DHCP-served subnet,
// and one NIC per instance attached to the vnet. The SDN configuration is
// reloaded after every object so a failure never leaves staged changes
// pending. On failure the objects created so far are logged for manual
// reconciliation; there is no automatic rollback.
func (c *Client) ProvisionLabNetwork(ctx context.Context, instances map[string]model.VmInstance) error {
	zone, err := c.createZone(ctx)
	if err != nil {
		// zone is non-empty when the create landed but the reload failed;
		// the object exists and must be recorded.
		if zone != "" {
			c.log.Warn("lab_network_partial", "zone", zone)
		}
		return err
	}
	if err := c.createVNet(ctx, zone); err != nil {
		c.log.Warn("lab_network_partial", "zone", zone)
		return err
	}
	if err := c.createSubnet(ctx, zone); err != nil {
		c.log.Warn("lab_network_partial", "zone", zone, "vnet", zone)
		return err
	}
	if err := c.attachInstances(ctx, zone, instances); err != nil {
		c.log.Warn("lab_network_partial", "zone", zone, "vnet", zone, "subnet", labSubnetCIDR)
		return err
	}
	c.log.Info("lab_network_provisioned", "vnet", zone, "instances", len(instances))
	return nil
}

// createZone allocates the next free alphabetic zone name and creates a
// simple zone with the built-in DHCP and IPAM. The allocation lock covers
// the list-and-create window so two labs cannot claim the same name.
func (c *Client) createZone(ctx context.Context) (string, error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	var zones []struct {
		Zone string `json:"zone"`
	}
	if err := c.do(ctx, http.MethodGet, "/cluster/sdn/zones", nil, &zones); err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(zones))
	for _, z := range zones {
		taken[z.Zone] = true
	}
	name := "aa"
	for taken[name] {
		name = nextAlpha(name)
	}

	params := url.Values{}
	params.Set("zone", name)
	params.Set("type", "simple")
	params.Set("dhcp", "dnsmasq")
	params.Set("ipam", "pve")
	if err := c.do(ctx, http.MethodPost, "/cluster/sdn/zones", params, nil); err != nil {
		return "", fmt.Errorf("create zone %s: %w", name, err)
	}
	// From here the zone exists remotely; return its name with any error
	// so the caller can record the orphan.
	if err := c.reloadSDN(ctx); err != nil {
		return name, err
	}
	return name, nil
}

func (c *Client) createVNet(ctx context.Context, zone string) error {
	params := url.Values{}
	params.Set("vnet", zone)
	params.Set("zone", zone)
	if err := c.do(ctx, http.MethodPost, "/cluster/sdn/vnets", params, nil); err != nil {
		return fmt.Errorf("create vnet %s: %w", zone, err)
	}
	return c.reloadSDN(ctx)
}

func (c *Client) createSubnet(ctx context.Context, zone string) error {
	params := url.Values{}
	params.Set("subnet", labSubnetCIDR)
	params.Set("type", "subnet")
	params.Set("gateway", labGatewayAddr)
	params.Set("snat", "1")
	params.Set("dhcp-range", fmt.Sprintf("start-address=%s,end-address=%s", labDHCPStart, labDHCPEnd))
	params.Set("dhcp-dns-server", labGatewayAddr)
	path := fmt.Sprintf("/cluster/sdn/vnets/%s/subnets", zone)
	if err := c.do(ctx, http.MethodPost, path, params, nil); err != nil {
		return fmt.Errorf("create subnet on vnet %s: %w", zone, err)
	}
	return c.reloadSDN(ctx)
}

// attachInstances rewrites net0 on every instance so it lands on the lab's
// vnet with a deterministic MAC. Map keys are sorted so the index-derived
// MAC assignment is stable across calls.
func (c *Client) attachInstances(ctx context.Context, vnet string, instances map[string]model.VmInstance) error {
	keys := make([]string, 0, len(instances))
	for k := range instances {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for i, k := range keys {
		vm := instances[k]
		params := url.Values{}
		params.Set("net0", fmt.Sprintf("e1000=%s,bridge=%s,firewall=1", labMAC(i), vnet))
		if err := c.updateConfig(ctx, vm.VMID, params); err != nil {
			return fmt.Errorf("attach vm %d to vnet %s: %w", vm.VMID, vnet, err)
		}
	}
	return nil
}

// labMAC derives the NIC address for the i-th instance of a lab. Only the
// low octet varies, wrapping at 256.
func labMAC(i int) string {
	return fmt.Sprintf("%s:%02X", macPrefix, (macFirstOctet+i)&0xFF)
}

// reloadSDN applies pending SDN configuration cluster-wide.
func (c *Client) reloadSDN(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPut, "/cluster/sdn", nil, nil); err != nil {
		return fmt.Errorf("reload sdn: %w", err)
	}
	return nil
}

// nextAlpha returns the successor of s in the base-26 sequence
// aa, ab, ..., az, ba, ..., zz, aaa, ... The result is padded to two
// characters, the minimum length the backend accepts for a zone name.
func nextAlpha(s string) string {
	b := []byte(s)
	carried := true
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 'z' {
			b[i]++
			carried = false
			break
		}
		b[i] = 'a'
	}
	if carried {
		b = append([]byte{'a'}, b...)
	}
	for len(b) < 2 {
		b = append([]byte{'a'}, b...)
	}
	return string(b)
}
