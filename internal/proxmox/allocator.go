package proxmox

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cyberlab/labd/internal/provider"
)

// nextID returns the smallest VMID in [min,max] not currently in use on the
// node. The read and the subsequent create are not atomic on the backend;
// callers must hold allocMu from the read through issuing the create.
func (c *Client) nextID(ctx context.Context, min, max int) (int, error) {
	var vms []struct {
		VMID int `json:"vmid"`
	}
	if err := c.do(ctx, http.MethodGet, "/nodes/"+c.cfg.Node+"/qemu", nil, &vms); err != nil {
		return 0, err
	}

	used := make(map[int]bool, len(vms))
	for _, vm := range vms {
		used[vm.VMID] = true
	}
	for id := min; id <= max; id++ {
		if !used[id] {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: no free VMID in [%d,%d]", provider.ErrResourceExhausted, min, max)
}
