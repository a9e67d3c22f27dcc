package refine

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// extraction is the structured payload the model must return. Every
// field the pipeline stores passes strict validation first; a payload
// that fails validation is never written to the database.
type extraction struct {
	Motions       []extractedMotion    `json:"motions" validate:"dive"`
	KeyStatements []extractedStatement `json:"key_statements" validate:"dive"`
	Items         []extractedItem      `json:"agenda_items" validate:"dive"`
	Matters       []extractedMatter    `json:"matters" validate:"dive"`
}

type extractedMotion struct {
	Text     string          `json:"text" validate:"required,min=10"`
	Mover    string          `json:"mover"`
	Seconder string          `json:"seconder"`
	Result   string          `json:"result" validate:"required,oneof=carried defeated tabled withdrawn referred"`
	Ordinal  *int            `json:"agenda_item_ordinal" validate:"omitempty,gte=0"`
	Votes    []extractedVote `json:"votes" validate:"dive"`
}

type extractedVote struct {
	Member string `json:"member" validate:"required"`
	Value  string `json:"value" validate:"required,oneof=yes no abstain absent recused"`
}

type extractedStatement struct {
	Speaker   string `json:"speaker" validate:"required"`
	Statement string `json:"statement" validate:"required,min=20"`
	Ordinal   *int   `json:"agenda_item_ordinal" validate:"omitempty,gte=0"`
}

type extractedItem struct {
	Ordinal  int    `json:"ordinal" validate:"gte=0"`
	Category string `json:"category" validate:"required"`
	Summary  string `json:"summary" validate:"required,min=20"`
}

type extractedMatter struct {
	Identifier string `json:"identifier" validate:"required"`
	Title      string `json:"title"`
	Ordinal    *int   `json:"agenda_item_ordinal" validate:"omitempty,gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// parseExtraction decodes and validates a model response. The returned
// error message is suitable for feeding back to the model in the
// corrective retry prompt.
func parseExtraction(content string) (*extraction, error) {
	var payload extraction
	if err := decodeModelJSON(content, &payload); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if err := validate.Struct(&payload); err != nil {
		var invalid validator.ValidationErrors
		if ok := asValidationErrors(err, &invalid); ok {
			return nil, fmt.Errorf("schema validation failed: %s", describeViolations(invalid))
		}
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	return &payload, nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	if verrs, ok := err.(validator.ValidationErrors); ok {
		*target = verrs
		return true
	}
	return false
}

func describeViolations(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Namespace()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s], got %q", fe.Namespace(), fe.Param(), fe.Value()))
		case "min":
			parts = append(parts, fmt.Sprintf("%s is too short (min %s)", fe.Namespace(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
