package patient

import (
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire and storage format of date_of_birth.
const DateLayout = "2006-01-02"

// Patient maps to the patients table.
type Patient struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	FirstName      string     `db:"first_name" json:"first_name"`
	LastName       string     `db:"last_name" json:"last_name"`
	DateOfBirth    *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Email          *string    `db:"email" json:"email,omitempty"`
	MedicationList string     `db:"medication_list" json:"-"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy.
func (p *Patient) Clone() *Patient {
	cp := *p
	if p.DateOfBirth != nil {
		d := *p.DateOfBirth
		cp.DateOfBirth = &d
	}
	if p.Email != nil {
		e := *p.Email
		cp.Email = &e
	}
	return &cp
}

// newID returns a time-ordered v7 UUID.
func newID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}
