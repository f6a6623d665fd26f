package proxmox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/cyberlab/labd/internal/model"
	"github.com/cyberlab/labd/internal/provider"
	"github.com/cyberlab/labd/internal/vdi"
)

// CreateTemplate turns an uploaded disk image into a new template VM:
// validate the header, stage the image on the node over the file-transfer
// channel, clone the root template to obtain a VMID, import the staged disk
// with a remote command, then fix up the clone's configuration.
func (c *Client) CreateTemplate(ctx context.Context, image io.Reader, name, description string) (model.VmTemplate, error) {
	if err := c.admit(ctx); err != nil {
		return model.VmTemplate{}, err
	}

	// Header validation happens before any byte leaves the process.
	hdr, full, err := vdi.ReadHeader(image, c.maxUpload)
	if err != nil {
		return model.VmTemplate{}, fmt.Errorf("%w: %v", provider.ErrInvalidUpload, err)
	}
	c.log.Debug("vdi_header_accepted", "declared_disk_size", hdr.DiskSize)

	// Randomized staging name so concurrent uploads cannot collide.
	remotePath := strings.TrimRight(c.remoteDir, "/") + "/upload-" + uuid.NewString() + ".vdi"
	if err := c.transfer.Upload(ctx, full, remotePath); err != nil {
		return model.VmTemplate{}, fmt.Errorf("%w: stage image: %v", provider.ErrUploadFailed, err)
	}

	vmid, upid, err := c.issueRootClone(ctx)
	if err != nil {
		return model.VmTemplate{}, err
	}
	if err := c.waitForTask(ctx, upid); err != nil {
		return model.VmTemplate{}, fmt.Errorf("clone root template as vm %d: %w", vmid, err)
	}

	// Import the staged disk and always remove the staging file.
	command := fmt.Sprintf("qm importdisk %d %s local-lvm; rm %s", vmid, remotePath, remotePath)
	out, err := c.transfer.Exec(ctx, command)
	if err != nil {
		return model.VmTemplate{}, fmt.Errorf("%w: import disk for vm %d: %v: %s", provider.ErrUploadFailed, vmid, err, lastLine(out))
	}

	if err := c.configureImportedVM(ctx, vmid, name); err != nil {
		return model.VmTemplate{}, err
	}

	c.log.Info("vm_template_imported", "vmid", vmid, "name", name)
	return model.VmTemplate{
		Name:        name,
		Description: description,
		VMID:        vmid,
		Node:        c.cfg.Node,
	}, nil
}

// issueRootClone allocates a VMID from the template range and submits the
// clone of the root template, both under the allocation lock.
func (c *Client) issueRootClone(ctx context.Context) (int, string, error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	vmid, err := c.nextID(ctx, provider.MinTemplateVMID, provider.MaxTemplateVMID)
	if err != nil {
		return 0, "", err
	}

	params := url.Values{}
	params.Set("newid", strconv.Itoa(vmid))
	params.Set("full", "1")
	params.Set("target", c.cfg.Node)

	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/clone", c.cfg.Node, provider.RootVMID)
	if err := c.do(ctx, http.MethodPost, path, params, &upid); err != nil {
		return 0, "", err
	}
	return vmid, upid, nil
}

// configureImportedVM points the clone at the imported disk and makes it
// the first boot device.
func (c *Client) configureImportedVM(ctx context.Context, vmid int, name string) error {
	params := url.Values{}
	params.Set("boot", "order=scsi0;ide2;net0")
	params.Set("scsi0", fmt.Sprintf("local-lvm:vm-%d-disk-0", vmid))
	params.Set("name", sanitizeVMName(name))
	if err := c.updateConfig(ctx, vmid, params); err != nil {
		return fmt.Errorf("configure imported vm %d: %w", vmid, err)
	}
	return nil
}

// sanitizeVMName maps a display name onto the DNS-like charset the backend
// accepts for VM names.
func sanitizeVMName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '_', r == '.':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "template"
	}
	if len(out) > 63 {
		out = out[:63]
	}
	return out
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
