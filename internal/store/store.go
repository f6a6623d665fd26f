// Package store persists the domain documents in Badger as JSON values.
// Each entity type gets its own key prefix; nested documents (lab and VM
// instances) live inside their owning User and are never keyed separately.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/cyberlab/labd/internal/model"
)

var ErrNotFound = errors.New("not_found")

const (
	prefixUser        = "user:"
	prefixUsername    = "username:"
	prefixCourse      = "course:"
	prefixLabTemplate = "labtpl:"
	prefixVmTemplate  = "vmtpl:"
)

type Store struct {
	db *badger.DB
}

// Open opens (or creates) the document store. With inMemory set, nothing
// touches the filesystem; tests and the fake backend use that mode.
func Open(dir string, inMemory bool) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) put(key string, v any) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) get(key string, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	return err
}

func (s *Store) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete([]byte(key))
	})
}

// scan decodes every value under prefix through fn.
func (s *Store) scan(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

//
// Users
//

func (s *Store) SaveUser(_ context.Context, u model.User) error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixUser+u.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(prefixUsername+u.Username), []byte(u.ID))
	})
}

func (s *Store) GetUser(_ context.Context, id string) (model.User, error) {
	var u model.User
	if err := s.get(prefixUser+id, &u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixUsername + username))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return model.User{}, err
	}
	return s.GetUser(ctx, id)
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(prefixUsername + u.Username)); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixUser + id))
	})
}

func (s *Store) ListUsers(_ context.Context) ([]model.User, error) {
	var out []model.User
	err := s.scan(prefixUser, func(val []byte) error {
		var u model.User
		if err := json.Unmarshal(val, &u); err != nil {
			return err
		}
		out = append(out, u)
		return nil
	})
	return out, err
}

// UsersWithLabDueBefore returns every user holding at least one lab
// instance whose due date is at or before cutoff. Callers re-check the due
// dates themselves; this is the coarse query of a GC pass.
func (s *Store) UsersWithLabDueBefore(ctx context.Context, cutoff time.Time) ([]model.User, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.User
	for _, u := range users {
		for _, lab := range u.LabInstances {
			if !lab.DueDate.After(cutoff) {
				out = append(out, u)
				break
			}
		}
	}
	return out, nil
}

// UsersWithVmParent returns every user holding a VM instance cloned from
// the given template.
func (s *Store) UsersWithVmParent(ctx context.Context, templateID string) ([]model.User, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.User
	for _, u := range users {
		if userReferencesTemplate(u, templateID) {
			out = append(out, u)
		}
	}
	return out, nil
}

func userReferencesTemplate(u model.User, templateID string) bool {
	for _, lab := range u.LabInstances {
		for _, vm := range lab.VmInstances {
			if vm.ParentID == templateID {
				return true
			}
		}
	}
	return false
}

//
// Courses
//

func (s *Store) SaveCourse(_ context.Context, c model.Course) error {
	if c.ID == "" {
		return errors.New("course id is required")
	}
	return s.put(prefixCourse+c.ID, c)
}

func (s *Store) GetCourse(_ context.Context, id string) (model.Course, error) {
	var c model.Course
	if err := s.get(prefixCourse+id, &c); err != nil {
		return model.Course{}, err
	}
	return c, nil
}

func (s *Store) DeleteCourse(_ context.Context, id string) error {
	return s.delete(prefixCourse + id)
}

func (s *Store) ListCourses(_ context.Context) ([]model.Course, error) {
	var out []model.Course
	err := s.scan(prefixCourse, func(val []byte) error {
		var c model.Course
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

//
// Lab templates
//

func (s *Store) SaveLabTemplate(_ context.Context, t model.LabTemplate) error {
	if t.ID == "" {
		return errors.New("lab template id is required")
	}
	return s.put(prefixLabTemplate+t.ID, t)
}

func (s *Store) GetLabTemplate(_ context.Context, id string) (model.LabTemplate, error) {
	var t model.LabTemplate
	if err := s.get(prefixLabTemplate+id, &t); err != nil {
		return model.LabTemplate{}, err
	}
	return t, nil
}

func (s *Store) DeleteLabTemplate(_ context.Context, id string) error {
	return s.delete(prefixLabTemplate + id)
}

func (s *Store) ListLabTemplates(_ context.Context) ([]model.LabTemplate, error) {
	var out []model.LabTemplate
	err := s.scan(prefixLabTemplate, func(val []byte) error {
		var t model.LabTemplate
		if err := json.Unmarshal(val, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

//
// VM templates
//

func (s *Store) SaveVmTemplate(_ context.Context, t model.VmTemplate) error {
	if t.ID == "" {
		return errors.New("vm template id is required")
	}
	return s.put(prefixVmTemplate+t.ID, t)
}

func (s *Store) GetVmTemplate(_ context.Context, id string) (model.VmTemplate, error) {
	var t model.VmTemplate
	if err := s.get(prefixVmTemplate+id, &t); err != nil {
		return model.VmTemplate{}, err
	}
	return t, nil
}

func (s *Store) DeleteVmTemplate(_ context.Context, id string) error {
	return s.delete(prefixVmTemplate + id)
}

func (s *Store) ListVmTemplates(_ context.Context) ([]model.VmTemplate, error) {
	var out []model.VmTemplate
	err := s.scan(prefixVmTemplate, func(val []byte) error {
		var t model.VmTemplate
		if err := json.Unmarshal(val, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}
