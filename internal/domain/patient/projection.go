package patient

// Resource is the public shape of a patient. Internal fields such as id,
// medication_list and timestamps are never exposed.
type Resource struct {
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	DateOfBirth *string `json:"date_of_birth"`
	Email       *string `json:"email"`
}

// ToResource projects p onto the public fields.
func ToResource(p *Patient) Resource {
	r := Resource{
		FirstName: p.FirstName,
		LastName:  p.LastName,
	}
	if p.DateOfBirth != nil {
		d := p.DateOfBirth.Format(DateLayout)
		r.DateOfBirth = &d
	}
	if p.Email != nil {
		e := *p.Email
		r.Email = &e
	}
	return r
}

// ToResources projects a page of patients; the result is never nil.
func ToResources(ps []*Patient) []Resource {
	out := make([]Resource, 0, len(ps))
	for _, p := range ps {
		out = append(out, ToResource(p))
	}
	return out
}

type envelope struct {
	Data interface{} `json:"data"`
}
