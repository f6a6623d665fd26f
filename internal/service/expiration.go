package service

import (
	"context"
	"time"

	"github.com/cyberlab/labd/internal/model"
)

// ExpiredLabInstances returns, per user, the lab instances whose due date
// falls at or before the cutoff. The store query narrows the candidate set;
// the labs are re-filtered here so a stale index entry can never expire a
// live lab.
func (s *Service) ExpiredLabInstances(ctx context.Context, cutoff time.Time) ([]model.ExpirationRecord, error) {
	users, err := s.store.UsersWithLabDueBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var records []model.ExpirationRecord
	for _, u := range users {
		rec := model.ExpirationRecord{UserID: u.ID}
		for _, key := range sortedKeys(u.LabInstances) {
			lab := u.LabInstances[key]
			if !lab.DueDate.After(cutoff) {
				rec.Labs = append(rec.Labs, lab)
			}
		}
		if len(rec.Labs) > 0 {
			records = append(records, rec)
		}
	}
	return records, nil
}
