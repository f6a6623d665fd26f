package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/cyberlab/labd/internal/model"
	"github.com/cyberlab/labd/internal/provider"
)

// UploadVmTemplate runs the image through the provider's import pipeline
// and catalogs the resulting template.
func (s *Service) UploadVmTemplate(ctx context.Context, image io.Reader, name, description string) (model.VmTemplate, error) {
	tpl, err := s.prov.CreateTemplate(ctx, image, name, description)
	if err != nil {
		if errors.Is(err, provider.ErrInvalidUpload) || errors.Is(err, provider.ErrInsufficientStorage) {
			s.met.UploadRejects.Inc()
		}
		return model.VmTemplate{}, err
	}

	tpl.ID = uuid.NewString()
	if err := s.store.SaveVmTemplate(ctx, tpl); err != nil {
		return model.VmTemplate{}, err
	}
	s.met.TemplateUploads.Inc()
	s.log.Info("vm_template_created", "template_id", tpl.ID, "vmid", tpl.VMID, "name", name)
	return tpl, nil
}

func (s *Service) GetVmTemplate(ctx context.Context, id string) (model.VmTemplate, error) {
	tpl, err := s.store.GetVmTemplate(ctx, id)
	if notFound(err) {
		return model.VmTemplate{}, fmt.Errorf("%w: vm template %s", ErrNotFound, id)
	}
	return tpl, err
}

func (s *Service) ListVmTemplates(ctx context.Context) ([]model.VmTemplate, error) {
	return s.store.ListVmTemplates(ctx)
}

// DeleteVmTemplate destroys the backing template VM and removes the catalog
// entry. The delete is refused while any live VM instance still references
// the template; its clones must be torn down first.
func (s *Service) DeleteVmTemplate(ctx context.Context, id string) error {
	tpl, err := s.store.GetVmTemplate(ctx, id)
	if notFound(err) {
		return fmt.Errorf("%w: vm template %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}

	blocking, err := s.FindVmInstancesByParent(ctx, id)
	if err != nil {
		return err
	}
	if len(blocking) > 0 {
		return fmt.Errorf("%w: %d live vm instances reference template %s", ErrConflict, len(blocking), id)
	}

	if err := s.prov.DeleteTemplate(ctx, tpl.VMID); err != nil {
		return fmt.Errorf("destroy template vm %d: %w", tpl.VMID, err)
	}
	if err := s.store.DeleteVmTemplate(ctx, id); err != nil {
		return err
	}
	s.log.Info("vm_template_deleted", "template_id", id, "vmid", tpl.VMID)
	return nil
}

// CreateLabTemplate catalogs a lab template after checking every referenced
// VM template exists.
func (s *Service) CreateLabTemplate(ctx context.Context, tpl model.LabTemplate) (model.LabTemplate, error) {
	for _, vtID := range tpl.VmTemplateIDs {
		if _, err := s.store.GetVmTemplate(ctx, vtID); notFound(err) {
			return model.LabTemplate{}, fmt.Errorf("%w: vm template %s", ErrNotFound, vtID)
		} else if err != nil {
			return model.LabTemplate{}, err
		}
	}

	tpl.ID = uuid.NewString()
	if err := s.store.SaveLabTemplate(ctx, tpl); err != nil {
		return model.LabTemplate{}, err
	}
	s.log.Info("lab_template_created", "template_id", tpl.ID, "name", tpl.Name)
	return tpl, nil
}

func (s *Service) GetLabTemplate(ctx context.Context, id string) (model.LabTemplate, error) {
	tpl, err := s.store.GetLabTemplate(ctx, id)
	if notFound(err) {
		return model.LabTemplate{}, fmt.Errorf("%w: lab template %s", ErrNotFound, id)
	}
	return tpl, err
}

func (s *Service) ListLabTemplates(ctx context.Context) ([]model.LabTemplate, error) {
	return s.store.ListLabTemplates(ctx)
}

// DeleteLabTemplate removes the catalog entry only. Lab instances are
// snapshots and survive their template.
func (s *Service) DeleteLabTemplate(ctx context.Context, id string) error {
	if _, err := s.store.GetLabTemplate(ctx, id); notFound(err) {
		return fmt.Errorf("%w: lab template %s", ErrNotFound, id)
	} else if err != nil {
		return err
	}
	return s.store.DeleteLabTemplate(ctx, id)
}
