package service

import (
	"context"
	"fmt"

	"github.com/cyberlab/labd/internal/model"
)

// DeleteVmInstance destroys one VM and commits the removal by persisting
// the owning user. The backend delete runs first; a backend failure leaves
// the document untouched.
func (s *Service) DeleteVmInstance(ctx context.Context, userID, labID, vmID string) error {
	u, err := s.store.GetUser(ctx, userID)
	if notFound(err) {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return err
	}
	lab, ok := u.Labs()[labID]
	if !ok {
		return fmt.Errorf("%w: lab instance %s", ErrNotFound, labID)
	}
	vm, ok := lab.VMs()[vmID]
	if !ok {
		return fmt.Errorf("%w: vm instance %s", ErrNotFound, vmID)
	}

	if err := s.prov.DeleteInstance(ctx, vm.VMID); err != nil {
		return fmt.Errorf("destroy vm %d: %w", vm.VMID, err)
	}
	s.met.InstanceDeletes.Inc()

	delete(lab.VmInstances, vmID)
	u.LabInstances[labID] = lab
	if err := s.store.SaveUser(ctx, u); err != nil {
		return err
	}
	s.log.Info("vm_instance_deleted", "user_id", userID, "lab_id", labID, "vm_id", vmID, "vmid", vm.VMID)
	return nil
}

func (s *Service) GetVmInstance(ctx context.Context, userID, labID, vmID string) (model.VmInstance, error) {
	u, err := s.store.GetUser(ctx, userID)
	if notFound(err) {
		return model.VmInstance{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return model.VmInstance{}, err
	}
	lab, ok := u.Labs()[labID]
	if !ok {
		return model.VmInstance{}, fmt.Errorf("%w: lab instance %s", ErrNotFound, labID)
	}
	vm, ok := lab.VMs()[vmID]
	if !ok {
		return model.VmInstance{}, fmt.Errorf("%w: vm instance %s", ErrNotFound, vmID)
	}
	return vm, nil
}

// ConsoleCredentials fetches a remote-console ticket for one VM. The
// ticket is returned to the caller and never logged. Opening a console
// counts as activity on the lab, so the access stamp is refreshed.
func (s *Service) ConsoleCredentials(ctx context.Context, userID, labID, vmID string) (model.ConsoleCredentials, error) {
	vm, err := s.GetVmInstance(ctx, userID, labID, vmID)
	if err != nil {
		return model.ConsoleCredentials{}, err
	}
	creds, err := s.prov.ConsoleCredentials(ctx, vm.VMID)
	if err != nil {
		return model.ConsoleCredentials{}, err
	}
	if err := s.TouchLabInstance(ctx, userID, labID); err != nil {
		s.log.Warn("lab_touch_failed", "user_id", userID, "lab_id", labID, "err", err)
	}
	return creds, nil
}

// FindVmInstancesByParent scans every user for live VM instances cloned
// from the given template. Backs the template-delete conflict check.
func (s *Service) FindVmInstancesByParent(ctx context.Context, templateID string) ([]model.VmInstance, error) {
	users, err := s.store.UsersWithVmParent(ctx, templateID)
	if err != nil {
		return nil, err
	}
	var out []model.VmInstance
	for _, u := range users {
		for _, lab := range u.LabInstances {
			for _, vm := range lab.VmInstances {
				if vm.ParentID == templateID {
					out = append(out, vm)
				}
			}
		}
	}
	return out, nil
}
