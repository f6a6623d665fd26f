package proxmox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cyberlab/labd/internal/model"
	"github.com/cyberlab/labd/internal/provider"
)

// CreateInstance clones parent into a fresh VMID from the instance range
// and waits for the clone task to finish.
func (c *Client) CreateInstance(ctx context.Context, parent model.VmTemplate) (model.VmInstance, error) {
	if err := c.admit(ctx); err != nil {
		return model.VmInstance{}, err
	}

	inst, upid, err := c.issueClone(ctx, parent)
	if err != nil {
		return model.VmInstance{}, err
	}
	if err := c.waitForTask(ctx, upid); err != nil {
		return model.VmInstance{}, fmt.Errorf("clone of template %d as vm %d: %w", parent.VMID, inst.VMID, err)
	}

	c.log.Info("vm_instance_cloned",
		"vmid", inst.VMID,
		"parent_vmid", parent.VMID,
		"name", inst.Name)
	return inst, nil
}

// issueClone allocates the VMID and submits the clone request under the
// allocation lock, so two concurrent creates cannot pick the same ID.
func (c *Client) issueClone(ctx context.Context, parent model.VmTemplate) (model.VmInstance, string, error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	vmid, err := c.nextID(ctx, provider.MinInstanceVMID, provider.MaxInstanceVMID)
	if err != nil {
		return model.VmInstance{}, "", err
	}
	name := fmt.Sprintf("Clone-%d", vmid)

	node := parent.Node
	if node == "" {
		node = c.cfg.Node
	}

	params := url.Values{}
	params.Set("newid", strconv.Itoa(vmid))
	params.Set("name", name)
	params.Set("full", "1")
	params.Set("format", "qcow2")
	params.Set("target", node)
	params.Set("description", fmt.Sprintf("Cloned from VM template %d", parent.VMID))

	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/clone", c.cfg.Node, parent.VMID)
	if err := c.do(ctx, http.MethodPost, path, params, &upid); err != nil {
		return model.VmInstance{}, "", err
	}

	return model.VmInstance{
		VMID:     vmid,
		Node:     node,
		Name:     name,
		ClonedAt: c.now(),
		ParentID: parent.ID,
	}, upid, nil
}

// DeleteInstance destroys a VM by backend ID. Destroying an unknown ID is
// an error; callers must not retry after a success.
func (c *Client) DeleteInstance(ctx context.Context, vmid int) error {
	return c.destroy(ctx, vmid)
}

// DeleteTemplate destroys a template VM by backend ID.
func (c *Client) DeleteTemplate(ctx context.Context, vmid int) error {
	return c.destroy(ctx, vmid)
}

func (c *Client) destroy(ctx context.Context, vmid int) error {
	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d", c.cfg.Node, vmid)
	if err := c.do(ctx, http.MethodDelete, path, nil, &upid); err != nil {
		return err
	}
	if err := c.waitForTask(ctx, upid); err != nil {
		return fmt.Errorf("destroy vm %d: %w", vmid, err)
	}
	c.log.Info("vm_destroyed", "vmid", vmid)
	return nil
}

// ConsoleCredentials fetches a VNC proxy ticket. The ticket is a bearer
// credential; it is returned to the caller and never logged.
func (c *Client) ConsoleCredentials(ctx context.Context, vmid int) (model.ConsoleCredentials, error) {
	// The backend is inconsistent about the port's JSON type.
	var ticket struct {
		Ticket string          `json:"ticket"`
		Port   json.RawMessage `json:"port"`
	}
	path := fmt.Sprintf("/nodes/%s/qemu/%d/vncproxy", c.cfg.Node, vmid)
	if err := c.do(ctx, http.MethodPost, path, url.Values{}, &ticket); err != nil {
		return model.ConsoleCredentials{}, err
	}

	port := strings.Trim(string(ticket.Port), `"`)
	cookie := "PVEAuthCookie=" + ticket.Ticket
	wsPath := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/vncwebsocket?port=%s&vncticket=%s",
		c.cfg.Node, vmid, port, url.QueryEscape(ticket.Ticket))
	return model.ConsoleCredentials{
		WebSocketPath: wsPath,
		Cookie:        cookie,
		Port:          port,
	}, nil
}
