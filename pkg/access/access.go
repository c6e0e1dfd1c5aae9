// Package access decides whether an authenticated identity may read a study or participant.
package access

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"dataexport/pkg/apierr"
	"dataexport/pkg/auth"
)

var ErrNotFound = errors.New("resource not found")

type Study struct {
	ID       int64
	ObjectID string
	Name     string
}

type Participant struct {
	ID        int64
	PatientID string
	StudyID   int64
}

// Store is the resource and relation lookup surface. Lookups return ErrNotFound when absent.
type Store interface {
	StudyByObjectID(ctx context.Context, objectID string) (Study, error)
	StudyByID(ctx context.Context, id int64) (Study, error)
	ParticipantByPatientID(ctx context.Context, patientID string) (Participant, error)
	HasStudyRelation(ctx context.Context, researcherID, studyID int64) (bool, error)
}

// Lister enumerates what a researcher can see. Deleted studies are never listed.
type Lister interface {
	StudiesForResearcher(ctx context.Context, researcherID int64) ([]Study, error)
	ParticipantIDs(ctx context.Context, studyID int64) ([]string, error)
}

type ResourceKind string

const (
	KindStudy       ResourceKind = "study"
	KindParticipant ResourceKind = "participant"
)

// Resource names what the caller wants to read. For studies StudyObjectID
// takes precedence over StudyID.
type Resource struct {
	Kind          ResourceKind
	StudyObjectID *string
	StudyID       *string
	PatientID     *string
}

func (r Resource) String() string {
	switch {
	case r.Kind == KindParticipant && r.PatientID != nil:
		return "participant:" + *r.PatientID
	case r.StudyObjectID != nil:
		return "study:" + *r.StudyObjectID
	case r.StudyID != nil:
		return "study_pk:" + *r.StudyID
	default:
		return string(r.Kind)
	}
}

// Handle is an authorized resource. Participant is nil for study resources.
type Handle struct {
	Study       Study
	Participant *Participant
}

type Authorizer struct {
	Store Store
}

func (a *Authorizer) Authorize(ctx context.Context, id auth.Identity, res Resource) (Handle, error) {
	if !id.Authenticated() {
		return Handle{}, apierr.New(apierr.Forbidden, "forbidden")
	}
	var h Handle
	switch res.Kind {
	case KindParticipant:
		p, study, err := a.resolveParticipant(ctx, res.PatientID)
		if err != nil {
			return Handle{}, err
		}
		h = Handle{Study: study, Participant: &p}
	case KindStudy, "":
		study, err := a.resolveStudy(ctx, res)
		if err != nil {
			return Handle{}, err
		}
		h = Handle{Study: study}
	default:
		return Handle{}, fmt.Errorf("unsupported resource kind %q", res.Kind)
	}

	if id.IsAdmin {
		return h, nil
	}
	ok, err := a.Store.HasStudyRelation(ctx, id.ResearcherID, h.Study.ID)
	if err != nil {
		return Handle{}, fmt.Errorf("study relation: %w", err)
	}
	if !ok {
		return Handle{}, apierr.New(apierr.Forbidden, "forbidden")
	}
	return h, nil
}

func (a *Authorizer) resolveStudy(ctx context.Context, res Resource) (Study, error) {
	switch {
	case res.StudyObjectID != nil:
		if !IsObjectID(*res.StudyObjectID) {
			return Study{}, apierr.New(apierr.MalformedResourceID, "malformed study id")
		}
		return notFoundAs(a.Store.StudyByObjectID(ctx, *res.StudyObjectID))
	case res.StudyID != nil:
		pk, err := strconv.ParseInt(*res.StudyID, 10, 64)
		if err != nil {
			return Study{}, apierr.Wrap(apierr.MalformedResourceID, "malformed study pk", err)
		}
		return notFoundAs(a.Store.StudyByID(ctx, pk))
	default:
		return Study{}, apierr.New(apierr.MissingResource, "no study provided")
	}
}

func (a *Authorizer) resolveParticipant(ctx context.Context, patientID *string) (Participant, Study, error) {
	if patientID == nil || *patientID == "" {
		return Participant{}, Study{}, apierr.New(apierr.MissingResource, "no participant provided")
	}
	p, err := a.Store.ParticipantByPatientID(ctx, *patientID)
	if errors.Is(err, ErrNotFound) {
		return Participant{}, Study{}, apierr.New(apierr.ResourceNotFound, "participant not found")
	}
	if err != nil {
		return Participant{}, Study{}, fmt.Errorf("participant lookup: %w", err)
	}
	study, err := notFoundAs(a.Store.StudyByID(ctx, p.StudyID))
	if err != nil {
		return Participant{}, Study{}, err
	}
	return p, study, nil
}

func notFoundAs(s Study, err error) (Study, error) {
	if errors.Is(err, ErrNotFound) {
		return Study{}, apierr.New(apierr.ResourceNotFound, "study not found")
	}
	if err != nil {
		return Study{}, fmt.Errorf("study lookup: %w", err)
	}
	return s, nil
}

// IsObjectID reports whether s is a 24 character alphanumeric object id.
func IsObjectID(s string) bool {
	if len(s) != 24 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// StringPtr is a convenience for building Resources from optional request values.
func StringPtr(s string) *string { return &s }
