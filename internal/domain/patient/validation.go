package patient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedBody marks a request body that is not a JSON object.
var ErrMalformedBody = errors.New("malformed JSON body")

// ValidationErrors maps a field name to every rule it violated.
type ValidationErrors map[string][]string

func (v ValidationErrors) add(field, reason string) {
	v[field] = append(v[field], reason)
}

// Error returns the first reason, in field order, with a count of the rest.
func (v ValidationErrors) Error() string {
	var first string
	total := 0
	for _, r := range fieldRules {
		reasons := v[r.name]
		if len(reasons) > 0 && first == "" {
			first = reasons[0]
		}
		total += len(reasons)
	}
	for name, reasons := range v {
		if !isKnownField(name) {
			if first == "" && len(reasons) > 0 {
				first = reasons[0]
			}
			total += len(reasons)
		}
	}
	if total <= 1 {
		return first
	}
	noun := "errors"
	if total == 2 {
		noun = "error"
	}
	return fmt.Sprintf("%s (and %d more %s)", first, total-1, noun)
}

// fieldRule binds a JSON field to its validator tag. Create checks every
// rule; update checks only the fields present in the body, so a present
// name must still be non-empty.
type fieldRule struct {
	name  string
	label string
	tag   string
}

var fieldRules = []fieldRule{
	{name: "first_name", label: "first name", tag: "required,max=255"},
	{name: "last_name", label: "last name", tag: "required,max=255"},
	{name: "date_of_birth", label: "date of birth", tag: "omitempty,datetime=2006-01-02"},
	{name: "email", label: "email", tag: "omitempty,email,max=255"},
}

func isKnownField(name string) bool {
	for _, r := range fieldRules {
		if r.name == name {
			return true
		}
	}
	return false
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Optional distinguishes an absent field from an explicit null (Set with a
// nil Value) and from a value.
type Optional[T any] struct {
	Set   bool
	Value *T
}

// CreateInput is a validated create request.
type CreateInput struct {
	FirstName   string
	LastName    string
	DateOfBirth *time.Time
	Email       *string
}

// UpdateInput is a validated partial update; absent fields are left alone.
type UpdateInput struct {
	FirstName   *string
	LastName    *string
	DateOfBirth Optional[time.Time]
	Email       Optional[string]
}

// Apply merges the supplied fields into p.
func (in *UpdateInput) Apply(p *Patient) {
	if in.FirstName != nil {
		p.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		p.LastName = *in.LastName
	}
	if in.DateOfBirth.Set {
		p.DateOfBirth = in.DateOfBirth.Value
	}
	if in.Email.Set {
		p.Email = in.Email.Value
	}
}

// rawField is one decoded body field after trimming. Whitespace-only and
// empty strings become null.
type rawField struct {
	present bool
	null    bool
	value   string
}

// decodeFields reads the known fields from a JSON object. Non-string values
// are reported as field errors rather than rejecting the whole body.
func decodeFields(body []byte) (map[string]rawField, ValidationErrors, error) {
	var obj map[string]json.RawMessage
	if len(bytes.TrimSpace(body)) == 0 {
		obj = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return nil, nil, ErrMalformedBody
	}

	fields := make(map[string]rawField, len(fieldRules))
	errs := ValidationErrors{}
	for _, r := range fieldRules {
		raw, ok := obj[r.name]
		if !ok {
			continue
		}
		f := rawField{present: true}
		if string(bytes.TrimSpace(raw)) == "null" {
			f.null = true
		} else {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				errs.add(r.name, fmt.Sprintf("The %s field must be a string.", r.label))
				continue
			}
			f.value = strings.TrimSpace(s)
			f.null = f.value == ""
		}
		fields[r.name] = f
	}
	return fields, errs, nil
}

func checkRule(r fieldRule, value string, errs ValidationErrors) {
	err := validate.Var(value, r.tag)
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		errs.add(r.name, fmt.Sprintf("The %s field is invalid.", r.label))
		return
	}
	for _, fe := range verrs {
		errs.add(r.name, reasonFor(r.label, fe))
	}
}

func reasonFor(label string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("The %s field is required.", label)
	case "max":
		return fmt.Sprintf("The %s field must not be greater than %s characters.", label, fe.Param())
	case "email":
		return fmt.Sprintf("The %s field must be a valid email address.", label)
	case "datetime":
		return fmt.Sprintf("The %s field must be a valid date in the format YYYY-MM-DD.", label)
	default:
		return fmt.Sprintf("The %s field is invalid.", label)
	}
}

// ParseCreate decodes and validates a create body. It returns
// ErrMalformedBody or ValidationErrors on failure.
func ParseCreate(body []byte) (*CreateInput, error) {
	fields, errs, err := decodeFields(body)
	if err != nil {
		return nil, err
	}

	for _, r := range fieldRules {
		if _, bad := errs[r.name]; bad {
			continue
		}
		checkRule(r, fields[r.name].value, errs)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	in := &CreateInput{
		FirstName: fields["first_name"].value,
		LastName:  fields["last_name"].value,
	}
	if f := fields["date_of_birth"]; !f.null && f.present {
		d, _ := time.Parse(DateLayout, f.value)
		in.DateOfBirth = &d
	}
	if f := fields["email"]; !f.null && f.present {
		e := f.value
		in.Email = &e
	}
	return in, nil
}

// ParseUpdate decodes and validates a partial update body. Only fields
// present in the body are checked and applied.
func ParseUpdate(body []byte) (*UpdateInput, error) {
	fields, errs, err := decodeFields(body)
	if err != nil {
		return nil, err
	}

	for _, r := range fieldRules {
		f, ok := fields[r.name]
		if !ok {
			continue
		}
		checkRule(r, f.value, errs)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	in := &UpdateInput{}
	if f, ok := fields["first_name"]; ok {
		v := f.value
		in.FirstName = &v
	}
	if f, ok := fields["last_name"]; ok {
		v := f.value
		in.LastName = &v
	}
	if f, ok := fields["date_of_birth"]; ok {
		in.DateOfBirth.Set = true
		if !f.null {
			d, _ := time.Parse(DateLayout, f.value)
			in.DateOfBirth.Value = &d
		}
	}
	if f, ok := fields["email"]; ok {
		in.Email.Set = true
		if !f.null {
			v := f.value
			in.Email.Value = &v
		}
	}
	return in, nil
}
