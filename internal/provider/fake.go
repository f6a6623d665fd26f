package provider

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cyberlab/labd/internal/model"
	"github.com/cyberlab/labd/internal/vdi"
)

// FakeVM is one machine tracked by the Fake backend.
type FakeVM struct {
	VMID     int
	Name     string
	Template bool
	Bridge   string
	MAC      string
}

// Fake is the in-memory Provider. It honors the same semantics as the
// production adapter: disjoint ID ranges, Clone-<id> naming, non-idempotent
// deletes, admission before any mutation. Used by tests and by the
// `backend: fake` configuration for local development.
type Fake struct {
	mu       sync.Mutex
	node     string
	maxBytes int64
	now      func() time.Time

	vms      map[int]*FakeVM
	networks int

	// DiskFull makes every admission check fail.
	DiskFull bool
	// UsedPercent is returned by DiskUsagePercent.
	UsedPercent int
	// DeleteErr injects a failure for a specific VMID.
	DeleteErr map[int]error
	// CloneErr fails every CreateInstance.
	CloneErr error
	// NetworkErr fails ProvisionLabNetwork.
	NetworkErr error
}

// NewFake seeds the backend with the root template.
func NewFake(maxUploadBytes int64) *Fake {
	return &Fake{
		node:     "fake",
		maxBytes: maxUploadBytes,
		now:      func() time.Time { return time.Now().UTC() },
		vms: map[int]*FakeVM{
			RootVMID: {VMID: RootVMID, Name: "root", Template: true},
		},
		DeleteErr: map[int]error{},
	}
}

// SetClock overrides the clone timestamp source.
func (f *Fake) SetClock(now func() time.Time) { f.now = now }

func (f *Fake) nextIDLocked(min, max int) (int, error) {
	for id := min; id <= max; id++ {
		if _, used := f.vms[id]; !used {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: no free id in [%d,%d]", ErrResourceExhausted, min, max)
}

func (f *Fake) CreateInstance(_ context.Context, parent model.VmTemplate) (model.VmInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DiskFull {
		return model.VmInstance{}, ErrInsufficientStorage
	}
	if f.CloneErr != nil {
		return model.VmInstance{}, f.CloneErr
	}
	id, err := f.nextIDLocked(MinInstanceVMID, MaxInstanceVMID)
	if err != nil {
		return model.VmInstance{}, err
	}
	name := fmt.Sprintf("Clone-%d", id)
	f.vms[id] = &FakeVM{VMID: id, Name: name}
	return model.VmInstance{
		VMID:     id,
		Node:     f.node,
		Name:     name,
		ClonedAt: f.now(),
		ParentID: parent.ID,
	}, nil
}

func (f *Fake) DeleteInstance(_ context.Context, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.DeleteErr[vmid]; err != nil {
		return err
	}
	vm, ok := f.vms[vmid]
	if !ok || vm.Template {
		return fmt.Errorf("%w: vm %d not found", ErrBackend, vmid)
	}
	delete(f.vms, vmid)
	return nil
}

func (f *Fake) CreateTemplate(_ context.Context, image io.Reader, name, description string) (model.VmTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DiskFull {
		return model.VmTemplate{}, ErrInsufficientStorage
	}
	if _, full, err := vdi.ReadHeader(image, f.maxBytes); err != nil {
		return model.VmTemplate{}, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	} else if _, err := io.Copy(io.Discard, full); err != nil {
		return model.VmTemplate{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	id, err := f.nextIDLocked(MinTemplateVMID, MaxTemplateVMID)
	if err != nil {
		return model.VmTemplate{}, err
	}
	f.vms[id] = &FakeVM{VMID: id, Name: name, Template: true}
	return model.VmTemplate{Name: name, Description: description, VMID: id, Node: f.node}, nil
}

func (f *Fake) DeleteTemplate(_ context.Context, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.DeleteErr[vmid]; err != nil {
		return err
	}
	vm, ok := f.vms[vmid]
	if !ok || !vm.Template {
		return fmt.Errorf("%w: template %d not found", ErrBackend, vmid)
	}
	delete(f.vms, vmid)
	return nil
}

func (f *Fake) ConsoleCredentials(_ context.Context, vmid int) (model.ConsoleCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vms[vmid]; !ok {
		return model.ConsoleCredentials{}, fmt.Errorf("%w: vm %d not found", ErrBackend, vmid)
	}
	return model.ConsoleCredentials{
		WebSocketPath: fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/vncwebsocket?port=5900&vncticket=fake", f.node, vmid),
		Cookie:        "PVEAuthCookie=fake-ticket",
		Port:          "5900",
	}, nil
}

func (f *Fake) ProvisionLabNetwork(_ context.Context, instances map[string]model.VmInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NetworkErr != nil {
		return f.NetworkErr
	}
	f.networks++
	bridge := fmt.Sprintf("lab%03d", f.networks)
	i := 0
	for _, inst := range instances {
		vm, ok := f.vms[inst.VMID]
		if !ok {
			return fmt.Errorf("%w: vm %d not found", ErrBackend, inst.VMID)
		}
		vm.Bridge = bridge
		vm.MAC = fmt.Sprintf("BC:24:11:E2:98:%02X", (0x10+i)&0xFF)
		i++
	}
	return nil
}

func (f *Fake) DiskUsagePercent(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.UsedPercent, nil
}

// VM exposes backend state to tests.
func (f *Fake) VM(vmid int) (FakeVM, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[vmid]
	if !ok {
		return FakeVM{}, false
	}
	return *vm, true
}

// Count reports how many non-template VMs exist.
func (f *Fake) Count() (instances, templates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, vm := range f.vms {
		if vm.Template {
			templates++
		} else {
			instances++
		}
	}
	return instances, templates
}

// Networks reports how many lab networks were provisioned.
func (f *Fake) Networks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks
}

var _ Provider = (*Fake)(nil)
