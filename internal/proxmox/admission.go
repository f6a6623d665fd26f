package proxmox

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/cyberlab/labd/internal/provider"
)

// imageContent is the storage content class every space-consuming operation
// admission-checks against.
const imageContent = "images"

type storageVolume struct {
	Storage      string  `json:"storage"`
	Content      string  `json:"content"`
	UsedFraction float64 `json:"used_fraction"`
}

func (c *Client) listStorage(ctx context.Context) ([]storageVolume, error) {
	var vols []storageVolume
	if err := c.do(ctx, http.MethodGet, "/nodes/"+c.cfg.Node+"/storage", nil, &vols); err != nil {
		return nil, err
	}
	if len(vols) == 0 {
		return nil, fmt.Errorf("%w: node %s reports no storage volumes", provider.ErrBackend, c.cfg.Node)
	}
	return vols, nil
}

// selectVolume picks the volume serving contentClass, falling back to the
// first volume when none matches.
func selectVolume(vols []storageVolume, contentClass string) storageVolume {
	for _, v := range vols {
		if strings.Contains(v.Content, contentClass) {
			return v
		}
	}
	return vols[0]
}

// hasCapacity reports whether the volume serving contentClass still has
// room. A completely full volume (used fraction at or above 1.0) fails
// admission.
func (c *Client) hasCapacity(ctx context.Context, contentClass string) (bool, error) {
	vols, err := c.listStorage(ctx)
	if err != nil {
		return false, err
	}
	return selectVolume(vols, contentClass).UsedFraction < 1.0, nil
}

// admit fails fast with ErrInsufficientStorage before any expensive remote
// operation starts.
func (c *Client) admit(ctx context.Context) error {
	ok, err := c.hasCapacity(ctx, imageContent)
	if err != nil {
		return err
	}
	if !ok {
		return provider.ErrInsufficientStorage
	}
	return nil
}

func (c *Client) DiskUsagePercent(ctx context.Context) (int, error) {
	vols, err := c.listStorage(ctx)
	if err != nil {
		return 0, err
	}
	return int(selectVolume(vols, imageContent).UsedFraction * 100), nil
}
