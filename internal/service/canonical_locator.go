package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/consultation"
)

// CanonicalLocator finds the consultation that holds a patient's initial
// clinical snapshot.
type CanonicalLocator struct {
	consultations consultation.Repository
}

func NewCanonicalLocator(consultations consultation.Repository) *CanonicalLocator {
	return &CanonicalLocator{consultations: consultations}
}

// FindCanonical returns the flagged initial consultation, else the earliest
// by date, else "". A patient without consultations is not an error.
func (l *CanonicalLocator) FindCanonical(ctx context.Context, patientID, practitionerID string) (string, error) {
	id, _, err := l.locate(ctx, patientID, practitionerID)
	return id, err
}

// locate also reports whether the consultation was found by its flag.
func (l *CanonicalLocator) locate(ctx context.Context, patientID, practitionerID string) (string, bool, error) {
	id, err := l.consultations.FindFlaggedInitial(ctx, patientID, practitionerID)
	if err != nil {
		return "", false, fmt.Errorf("finding flagged consultation: %w", err)
	}
	if id != "" {
		return id, true, nil
	}

	id, err = l.consultations.FindEarliest(ctx, patientID, practitionerID)
	if err != nil {
		return "", false, fmt.Errorf("finding earliest consultation: %w", err)
	}
	return id, false, nil
}

// SelectInitial picks the initial consultation among siblings. Siblings
// created within tolerance of the patient win, closest first; otherwise the
// earliest by date. Remaining ties fall to creation time then id, so the
// choice only depends on its inputs. A zero patientCreatedAt skips the
// tolerance step.
func SelectInitial(patientCreatedAt time.Time, siblings []consultation.Summary, tolerance time.Duration) (string, bool) {
	if len(siblings) == 0 {
		return "", false
	}

	if !patientCreatedAt.IsZero() {
		var near []consultation.Summary
		for _, s := range siblings {
			if s.CreatedAt.IsZero() {
				continue
			}
			if absDuration(s.CreatedAt.Sub(patientCreatedAt)) <= tolerance {
				near = append(near, s)
			}
		}
		if len(near) > 0 {
			sort.SliceStable(near, func(i, j int) bool {
				di := absDuration(near[i].CreatedAt.Sub(patientCreatedAt))
				dj := absDuration(near[j].CreatedAt.Sub(patientCreatedAt))
				if di != dj {
					return di < dj
				}
				if !near[i].Date.Equal(near[j].Date) {
					return near[i].Date.Before(near[j].Date)
				}
				return near[i].ID < near[j].ID
			})
			return near[0].ID, true
		}
	}

	ordered := make([]consultation.Summary, len(siblings))
	copy(ordered, siblings)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.Date.Equal(b.Date) {
			return earlierTime(a.Date, b.Date)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return earlierTime(a.CreatedAt, b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ordered[0].ID, true
}

// earlierTime orders zero times last.
func earlierTime(a, b time.Time) bool {
	switch {
	case a.IsZero():
		return false
	case b.IsZero():
		return true
	}
	return a.Before(b)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
