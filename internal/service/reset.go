package service

import (
	"context"
	"fmt"

	"github.com/cyberlab/labd/internal/model"
	"github.com/cyberlab/labd/internal/provider"
)

// ResetReport aggregates one hard reset: per-stage delete counts plus every
// item that could not be deleted.
type ResetReport struct {
	VmInstances  int
	VmTemplates  int
	LabInstances int
	LabTemplates int
	Users        int
	Courses      int
	Failures     []CascadeFailure
}

// Complete reports whether every item was deleted.
func (r *ResetReport) Complete() bool { return len(r.Failures) == 0 }

func (r *ResetReport) fail(id string, err error) {
	r.Failures = append(r.Failures, CascadeFailure{ID: id, Err: err})
}

// HardReset wipes the platform back to its initial state. Stages run in
// dependency order: VM instances, then VM templates (the root template is
// spared), lab instances, lab templates, non-admin users, courses. Every
// item is attempted independently; a failure in one never stops the rest.
func (s *Service) HardReset(ctx context.Context) (ResetReport, error) {
	var rep ResetReport

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return rep, err
	}

	s.resetVmInstances(ctx, users, &rep)
	s.resetVmTemplates(ctx, &rep)
	s.resetLabInstances(ctx, users, &rep)
	s.resetLabTemplates(ctx, &rep)
	s.resetUsers(ctx, users, &rep)
	s.resetCourses(ctx, &rep)

	s.log.Info("hard_reset_completed",
		"vm_instances", rep.VmInstances,
		"vm_templates", rep.VmTemplates,
		"lab_instances", rep.LabInstances,
		"lab_templates", rep.LabTemplates,
		"users", rep.Users,
		"courses", rep.Courses,
		"failures", len(rep.Failures))
	return rep, nil
}

func (s *Service) resetVmInstances(ctx context.Context, users []model.User, rep *ResetReport) {
	for i := range users {
		u := &users[i]
		changed := false
		for _, labID := range sortedKeys(u.Labs()) {
			lab := u.LabInstances[labID]
			for _, vmID := range sortedKeys(lab.VMs()) {
				vm := lab.VmInstances[vmID]
				if err := s.prov.DeleteInstance(ctx, vm.VMID); err != nil {
					rep.fail(vmID, err)
					s.log.Error("reset_vm_delete_failed", "vm_id", vmID, "vmid", vm.VMID, "error", err)
					continue
				}
				delete(lab.VmInstances, vmID)
				rep.VmInstances++
				changed = true
			}
			u.LabInstances[labID] = lab
		}
		if changed {
			if err := s.store.SaveUser(ctx, *u); err != nil {
				rep.fail(u.ID, err)
			}
		}
	}
	s.log.Info("reset_stage_done", "stage", "vm_instances", "deleted", rep.VmInstances)
}

func (s *Service) resetVmTemplates(ctx context.Context, rep *ResetReport) {
	tpls, err := s.store.ListVmTemplates(ctx)
	if err != nil {
		rep.fail("vm_templates", err)
		return
	}
	for _, tpl := range tpls {
		if tpl.VMID == provider.RootVMID {
			continue
		}
		if err := s.prov.DeleteTemplate(ctx, tpl.VMID); err != nil {
			rep.fail(tpl.ID, err)
			s.log.Error("reset_template_delete_failed", "template_id", tpl.ID, "vmid", tpl.VMID, "error", err)
			continue
		}
		if err := s.store.DeleteVmTemplate(ctx, tpl.ID); err != nil {
			rep.fail(tpl.ID, err)
			continue
		}
		rep.VmTemplates++
	}
	s.log.Info("reset_stage_done", "stage", "vm_templates", "deleted", rep.VmTemplates)
}

func (s *Service) resetLabInstances(ctx context.Context, users []model.User, rep *ResetReport) {
	for i := range users {
		u := &users[i]
		if len(u.LabInstances) == 0 {
			continue
		}
		// Labs whose VMs all went in the first stage are dropped; labs
		// with surviving VMs stay so the teardown can be retried.
		for _, labID := range sortedKeys(u.LabInstances) {
			if len(u.LabInstances[labID].VmInstances) > 0 {
				rep.fail(labID, fmt.Errorf("lab %s still holds vm instances", labID))
				continue
			}
			delete(u.LabInstances, labID)
			rep.LabInstances++
		}
		if err := s.store.SaveUser(ctx, *u); err != nil {
			rep.fail(u.ID, err)
		}
	}
	s.log.Info("reset_stage_done", "stage", "lab_instances", "deleted", rep.LabInstances)
}

func (s *Service) resetLabTemplates(ctx context.Context, rep *ResetReport) {
	tpls, err := s.store.ListLabTemplates(ctx)
	if err != nil {
		rep.fail("lab_templates", err)
		return
	}
	for _, tpl := range tpls {
		if err := s.store.DeleteLabTemplate(ctx, tpl.ID); err != nil {
			rep.fail(tpl.ID, err)
			continue
		}
		rep.LabTemplates++
	}
	s.log.Info("reset_stage_done", "stage", "lab_templates", "deleted", rep.LabTemplates)
}

func (s *Service) resetUsers(ctx context.Context, users []model.User, rep *ResetReport) {
	for _, u := range users {
		if u.Role == model.RoleAdmin {
			continue
		}
		// A user still holding labs has VM teardowns to retry; removing
		// the document now would orphan those machines.
		if len(u.LabInstances) > 0 {
			rep.fail(u.ID, fmt.Errorf("user %s still holds lab instances", u.ID))
			continue
		}
		if err := s.store.DeleteUser(ctx, u.ID); err != nil {
			rep.fail(u.ID, err)
			continue
		}
		rep.Users++
	}
	s.log.Info("reset_stage_done", "stage", "users", "deleted", rep.Users)
}

func (s *Service) resetCourses(ctx context.Context, rep *ResetReport) {
	courses, err := s.store.ListCourses(ctx)
	if err != nil {
		rep.fail("courses", err)
		return
	}
	for _, c := range courses {
		if err := s.store.DeleteCourse(ctx, c.ID); err != nil {
			rep.fail(c.ID, err)
			continue
		}
		rep.Courses++
	}
	s.log.Info("reset_stage_done", "stage", "courses", "deleted", rep.Courses)
}
