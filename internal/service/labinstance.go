package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cyberlab/labd/internal/model"
)

// CreateLabInstance snapshots a lab template for one user: clone every
// referenced VM template, wire the clones onto a fresh isolated network,
// then persist the snapshot inside the user document. Questions are copied
// without their answer keys. A user holds at most one instance per
// template.
func (s *Service) CreateLabInstance(ctx context.Context, userID, labTemplateID, courseID string, dueDate time.Time) (model.LabInstance, error) {
	u, err := s.store.GetUser(ctx, userID)
	if notFound(err) {
		return model.LabInstance{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return model.LabInstance{}, err
	}

	tpl, err := s.store.GetLabTemplate(ctx, labTemplateID)
	if notFound(err) {
		return model.LabInstance{}, fmt.Errorf("%w: lab template %s", ErrNotFound, labTemplateID)
	}
	if err != nil {
		return model.LabInstance{}, err
	}

	if _, err := s.store.GetCourse(ctx, courseID); notFound(err) {
		return model.LabInstance{}, fmt.Errorf("%w: course %s", ErrNotFound, courseID)
	} else if err != nil {
		return model.LabInstance{}, err
	}

	for _, lab := range u.Labs() {
		if lab.TemplateID == tpl.ID {
			return model.LabInstance{}, fmt.Errorf("%w: user %s already holds an instance of template %s", ErrAlreadyExists, userID, tpl.ID)
		}
	}

	instances, err := s.cloneTemplates(ctx, tpl.VmTemplateIDs)
	if err != nil {
		return model.LabInstance{}, err
	}

	if len(instances) > 0 {
		if err := s.prov.ProvisionLabNetwork(ctx, instances); err != nil {
			s.rollbackInstances(ctx, instances)
			return model.LabInstance{}, fmt.Errorf("provision lab network: %w", err)
		}
		s.met.NetworksCreated.Inc()
	}

	questions := make(map[string]model.InstanceQuestion, len(tpl.Questions))
	for k, q := range tpl.Questions {
		questions[k] = model.StripAnswer(q)
	}

	lab := model.LabInstance{
		ID:           uuid.NewString(),
		TemplateName: tpl.Name,
		Description:  tpl.Description,
		Objectives:   append([]string(nil), tpl.Objectives...),
		Questions:    questions,
		CourseID:     courseID,
		TemplateID:   tpl.ID,
		LastAccessed: s.now(),
		DueDate:      dueDate,
		VmInstances:  instances,
	}

	u.Labs()[lab.ID] = lab
	if err := s.store.SaveUser(ctx, u); err != nil {
		s.rollbackInstances(ctx, instances)
		return model.LabInstance{}, err
	}

	s.log.Info("lab_instance_created",
		"user_id", userID,
		"lab_id", lab.ID,
		"template_id", tpl.ID,
		"vms", len(instances))
	return lab, nil
}

// cloneTemplates clones each VM template in order. On any failure the
// clones created so far are rolled back so a partial lab never persists.
func (s *Service) cloneTemplates(ctx context.Context, templateIDs []string) (map[string]model.VmInstance, error) {
	instances := make(map[string]model.VmInstance, len(templateIDs))
	for _, vtID := range templateIDs {
		vt, err := s.store.GetVmTemplate(ctx, vtID)
		if notFound(err) {
			s.rollbackInstances(ctx, instances)
			return nil, fmt.Errorf("%w: vm template %s", ErrNotFound, vtID)
		}
		if err != nil {
			s.rollbackInstances(ctx, instances)
			return nil, err
		}

		start := s.now()
		inst, err := s.prov.CreateInstance(ctx, vt)
		if err != nil {
			s.rollbackInstances(ctx, instances)
			return nil, fmt.Errorf("clone template %s: %w", vtID, err)
		}
		s.met.InstanceClones.Inc()
		s.met.CloneDurationSec.Observe(s.now().Sub(start).Seconds())

		inst.ID = uuid.NewString()
		instances[inst.ID] = inst
	}
	return instances, nil
}

// rollbackInstances best-effort destroys clones from an aborted create.
// Failures are only logged; there is nothing useful to return to a caller
// that is already failing.
func (s *Service) rollbackInstances(ctx context.Context, instances map[string]model.VmInstance) {
	for _, key := range sortedKeys(instances) {
		vm := instances[key]
		if err := s.prov.DeleteInstance(ctx, vm.VMID); err != nil {
			s.log.Error("rollback_vm_delete_failed", "vmid", vm.VMID, "error", err)
			continue
		}
		s.met.InstanceDeletes.Inc()
	}
}

func (s *Service) GetLabInstance(ctx context.Context, userID, labID string) (model.LabInstance, error) {
	u, err := s.store.GetUser(ctx, userID)
	if notFound(err) {
		return model.LabInstance{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return model.LabInstance{}, err
	}
	lab, ok := u.Labs()[labID]
	if !ok {
		return model.LabInstance{}, fmt.Errorf("%w: lab instance %s", ErrNotFound, labID)
	}
	return lab, nil
}

// SubmitAnswers records the user's answers and completes the lab. A
// completed lab is read-only: any further submission is rejected.
func (s *Service) SubmitAnswers(ctx context.Context, userID, labID string, answers []string) (model.LabInstance, error) {
	u, err := s.store.GetUser(ctx, userID)
	if notFound(err) {
		return model.LabInstance{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return model.LabInstance{}, err
	}
	lab, ok := u.Labs()[labID]
	if !ok {
		return model.LabInstance{}, fmt.Errorf("%w: lab instance %s", ErrNotFound, labID)
	}
	if lab.Completed {
		return model.LabInstance{}, fmt.Errorf("%w: lab instance %s is completed", ErrForbidden, labID)
	}

	lab.UserAnswers = append([]string(nil), answers...)
	lab.Completed = true
	lab.LastAccessed = s.now()
	u.LabInstances[labID] = lab

	if err := s.store.SaveUser(ctx, u); err != nil {
		return model.LabInstance{}, err
	}
	s.log.Info("lab_answers_submitted", "user_id", userID, "lab_id", labID)
	return lab, nil
}

// TouchLabInstance stamps the last-access time. Completed labs may still
// be viewed, so this never checks the write lock.
func (s *Service) TouchLabInstance(ctx context.Context, userID, labID string) error {
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
	lab.LastAccessed = s.now()
	u.LabInstances[labID] = lab
	return s.store.SaveUser(ctx, u)
}

// DeleteLabInstance tears down the lab's VMs best effort and removes the
// lab from the user. When any VM survives, the lab document survives with
// it so the cascade can be retried.
func (s *Service) DeleteLabInstance(ctx context.Context, userID, labID string) (CascadeResult, error) {
	var res CascadeResult

	u, err := s.store.GetUser(ctx, userID)
	if notFound(err) {
		return res, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return res, err
	}
	lab, ok := u.Labs()[labID]
	if !ok {
		return res, fmt.Errorf("%w: lab instance %s", ErrNotFound, labID)
	}

	s.deleteLabVMs(ctx, &lab, &res)
	if len(lab.VmInstances) == 0 {
		delete(u.LabInstances, labID)
	} else {
		u.LabInstances[labID] = lab
	}

	if err := s.store.SaveUser(ctx, u); err != nil {
		return res, err
	}
	if res.Complete() {
		s.log.Info("lab_instance_deleted", "user_id", userID, "lab_id", labID, "vms_deleted", len(res.Deleted))
	} else {
		s.log.Warn("lab_instance_delete_incomplete", "user_id", userID, "lab_id", labID, "failed_vms", len(res.Failures))
	}
	return res, nil
}
