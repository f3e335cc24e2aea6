package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/patients/internal/platform/medication"
	"github.com/ehr/patients/internal/platform/notification"
)

// ErrLookupFailed is returned by Create when the medication lookup fails
// under the required policy.
var ErrLookupFailed = errors.New("medication lookup failed")

// Lookup policies.
const (
	PolicyAdvisory = "advisory"
	PolicyRequired = "required"
)

// Sources for the stored medication list.
const (
	SourceRequestBody = "request_body"
	SourceLookup      = "lookup"
)

// MedicationLookup fetches the medication list; override is an optional
// per-request URL already checked by the caller.
type MedicationLookup interface {
	Fetch(ctx context.Context, override string) (*medication.Result, error)
}

// Notifier queues a templated email without blocking.
type Notifier interface {
	Enqueue(templateID, recipient string, data map[string]string) (string, error)
}

// Recorder counts workflow events.
type Recorder interface {
	PatientCreated()
}

type Config struct {
	LookupPolicy string
	ListSource   string
}

type Service struct {
	repo     Repository
	lookup   MedicationLookup
	notifier Notifier
	recorder Recorder
	cfg      Config
	logger   zerolog.Logger
}

// NewService wires the creation workflow. recorder may be nil.
func NewService(repo Repository, lookup MedicationLookup, notifier Notifier, recorder Recorder, cfg Config, logger zerolog.Logger) *Service {
	if cfg.LookupPolicy == "" {
		cfg.LookupPolicy = PolicyAdvisory
	}
	if cfg.ListSource == "" {
		cfg.ListSource = SourceRequestBody
	}
	return &Service{
		repo:     repo,
		lookup:   lookup,
		notifier: notifier,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With().Str("component", "patient").Logger(),
	}
}

// Create runs the medication lookup, persists the patient and queues the
// account-created notification. rawBody is the request body as received.
func (s *Service) Create(ctx context.Context, in *CreateInput, rawBody []byte, lookupURL string) (*Patient, error) {
	res, err := s.lookup.Fetch(ctx, lookupURL)
	if err != nil {
		if s.cfg.LookupPolicy == PolicyRequired {
			return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
		}
		s.logger.Warn().Err(err).Msg("medication lookup failed, continuing without it")
		res = nil
	}

	p := &Patient{
		FirstName:      in.FirstName,
		LastName:       in.LastName,
		DateOfBirth:    in.DateOfBirth,
		Email:          in.Email,
		MedicationList: s.medicationList(rawBody, res),
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	if s.recorder != nil {
		s.recorder.PatientCreated()
	}

	s.notifyCreated(p)
	return p, nil
}

// medicationList picks the stored list according to the configured source.
// The request_body source keeps the raw inbound body.
func (s *Service) medicationList(rawBody []byte, res *medication.Result) string {
	if s.cfg.ListSource == SourceLookup {
		if res == nil || res.Skipped {
			return ""
		}
		return res.Body
	}
	return string(rawBody)
}

func (s *Service) notifyCreated(p *Patient) {
	if p.Email == nil {
		s.logger.Info().Str("patient_id", p.ID.String()).Msg("patient has no email, skipping account notification")
		return
	}
	_, err := s.notifier.Enqueue(notification.TemplatePatientAccountCreated, *p.Email, map[string]string{
		"patient_id": p.ID.String(),
		"first_name": p.FirstName,
		"last_name":  p.LastName,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("patient_id", p.ID.String()).Msg("account notification not queued")
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

// Update merges in into the stored patient.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in *UpdateInput) (*Patient, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	in.Apply(p)
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}
