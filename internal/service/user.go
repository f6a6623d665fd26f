package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cyberlab/labd/internal/model"
)

// CreateUser registers a user with a unique username. The password is
// stored as a bcrypt hash only.
func (s *Service) CreateUser(ctx context.Context, username, password string, role model.Role) (model.User, error) {
	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return model.User{}, fmt.Errorf("%w: username %q taken", ErrConflict, username)
	} else if !notFound(err) {
		return model.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return model.User{}, fmt.Errorf("hash password: %w", err)
	}

	u := model.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		LastVisited:  s.now(),
		LabInstances: map[string]model.LabInstance{},
	}
	if err := s.store.SaveUser(ctx, u); err != nil {
		return model.User{}, err
	}
	s.log.Info("user_created", "user_id", u.ID, "username", username, "role", role)
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (model.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if notFound(err) {
		return model.User{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return u, err
}

func (s *Service) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.store.ListUsers(ctx)
}

// DeleteUser tears down every VM the user owns, then removes the document.
// VM deletion is best effort; the user document is removed only when the
// whole cascade succeeded, otherwise the survivors stay retryable.
func (s *Service) DeleteUser(ctx context.Context, id string) (CascadeResult, error) {
	var res CascadeResult

	u, err := s.store.GetUser(ctx, id)
	if notFound(err) {
		return res, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	if err != nil {
		return res, err
	}

	for _, labID := range sortedKeys(u.Labs()) {
		lab := u.LabInstances[labID]
		s.deleteLabVMs(ctx, &lab, &res)
		if len(lab.VmInstances) == 0 {
			delete(u.LabInstances, labID)
		} else {
			u.LabInstances[labID] = lab
		}
	}

	if !res.Complete() {
		if err := s.store.SaveUser(ctx, u); err != nil {
			return res, err
		}
		s.log.Warn("user_delete_incomplete", "user_id", id, "failed_vms", len(res.Failures))
		return res, nil
	}

	if err := s.store.DeleteUser(ctx, id); err != nil {
		return res, err
	}
	s.log.Info("user_deleted", "user_id", id, "vms_deleted", len(res.Deleted))
	return res, nil
}

// deleteLabVMs destroys the lab's VMs in key order, removing each from the
// map as it goes. Failures are collected, never propagated.
func (s *Service) deleteLabVMs(ctx context.Context, lab *model.LabInstance, res *CascadeResult) {
	for _, key := range sortedKeys(lab.VMs()) {
		vm := lab.VmInstances[key]
		if err := s.prov.DeleteInstance(ctx, vm.VMID); err != nil {
			res.fail(key, err)
			s.met.CascadeFailures.Inc()
			s.log.Error("vm_delete_failed", "vm_id", key, "vmid", vm.VMID, "error", err)
			continue
		}
		delete(lab.VmInstances, key)
		res.Deleted = append(res.Deleted, key)
		s.met.InstanceDeletes.Inc()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
