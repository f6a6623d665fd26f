package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cyberlab/labd/internal/model"
)

func (s *Service) CreateCourse(ctx context.Context, c model.Course) (model.Course, error) {
	c.ID = uuid.NewString()
	if err := s.store.SaveCourse(ctx, c); err != nil {
		return model.Course{}, err
	}
	s.log.Info("course_created", "course_id", c.ID, "name", c.Name)
	return c, nil
}

func (s *Service) GetCourse(ctx context.Context, id string) (model.Course, error) {
	c, err := s.store.GetCourse(ctx, id)
	if notFound(err) {
		return model.Course{}, fmt.Errorf("%w: course %s", ErrNotFound, id)
	}
	return c, err
}

func (s *Service) ListCourses(ctx context.Context) ([]model.Course, error) {
	return s.store.ListCourses(ctx)
}

// DeleteCourse removes the roster only; lab instances keep their course
// reference as a dangling ID.
func (s *Service) DeleteCourse(ctx context.Context, id string) error {
	if _, err := s.store.GetCourse(ctx, id); notFound(err) {
		return fmt.Errorf("%w: course %s", ErrNotFound, id)
	} else if err != nil {
		return err
	}
	return s.store.DeleteCourse(ctx, id)
}
