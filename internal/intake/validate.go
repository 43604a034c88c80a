package intake

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"membership-bulk-upload/internal/models"
)

// RowFailure is a row rejected by structural validation.
type RowFailure struct {
	Row    MemberRow
	Reason string
}

// ValidationResult partitions parsed rows.
type ValidationResult struct {
	Valid   []MemberRow
	Invalid []RowFailure
	Stats   models.ValidationStats
}

// Validator checks parsed rows against the member row rules.
type Validator struct {
	v *validator.Validate
}

// NewValidator registers the custom identity and phone rules.
func NewValidator() *Validator {
	v := validator.New()
	registerRules(v)
	return &Validator{v: v}
}

func registerRules(v *validator.Validate) {
	rules := map[string]validator.Func{
		"sa_id":   saIDValidator,
		"sa_cell": saCellValidator,
	}
	for tag, fn := range rules {
		_ = v.RegisterValidation(tag, fn)
	}
}

func saIDValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return ValidIDNumber(val)
}

func saCellValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok || !allDigits(val) {
		return false
	}
	switch {
	case len(val) == 10 && strings.HasPrefix(val, "0"):
		return true
	case len(val) == 11 && strings.HasPrefix(val, "27"):
		return true
	}
	return false
}

// Validate checks every row. Later occurrences of an ID number already seen
// in the file are rejected; the first occurrence is kept.
func (v *Validator) Validate(rows []MemberRow) ValidationResult {
	res := ValidationResult{Stats: models.ValidationStats{TotalRows: len(rows)}}
	firstSeen := make(map[string]int, len(rows))
	for _, row := range rows {
		if err := v.v.Struct(row); err != nil {
			res.Invalid = append(res.Invalid, RowFailure{Row: row, Reason: describe(err)})
			continue
		}
		if prev, dup := firstSeen[row.IDNumber]; dup {
			res.Stats.DuplicateRows++
			res.Invalid = append(res.Invalid, RowFailure{
				Row:    row,
				Reason: fmt.Sprintf("duplicate id number in file (first seen on row %d)", prev),
			})
			continue
		}
		firstSeen[row.IDNumber] = row.RowNumber
		res.Valid = append(res.Valid, row)
	}
	res.Stats.ValidRows = len(res.Valid)
	res.Stats.InvalidRows = len(res.Invalid)
	return res
}

var fieldLabels = map[string]string{
	"IDNumber":   "id number",
	"FirstName":  "first name",
	"Surname":    "surname",
	"CellNumber": "cell number",
	"Email":      "email",
	"WardCode":   "ward code",
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		label := fieldLabels[fe.Field()]
		if label == "" {
			label = fe.Field()
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, label+" is required")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s longer than %s characters", label, fe.Param()))
		default:
			msgs = append(msgs, "invalid "+label)
		}
	}
	return strings.Join(msgs, "; ")
}
