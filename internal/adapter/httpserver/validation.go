package httpserver

import (
	"regexp"
	"strconv"
)

// ValidationError represents one failed input check.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult carries the outcome of input validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var sagaIDPattern = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// ValidateSagaID checks a saga id path parameter (UUID format).
func ValidateSagaID(id string) ValidationResult {
	if id == "" {
		return ValidationResult{Valid: false, Errors: []ValidationError{
			{Field: "id", Code: "REQUIRED", Message: "saga id is required"},
		}}
	}
	if !sagaIDPattern.MatchString(id) {
		return ValidationResult{Valid: false, Errors: []ValidationError{
			{Field: "id", Code: "INVALID_FORMAT", Message: "saga id must be a UUID"},
		}}
	}
	return ValidationResult{Valid: true}
}

// ValidatePagination checks the pagina/limite query parameters.
func ValidatePagination(page, limit string) ValidationResult {
	var errs []ValidationError
	if page != "" {
		if n, err := strconv.Atoi(page); err != nil || n < 1 {
			errs = append(errs, ValidationError{
				Field: "pagina", Code: "INVALID_FORMAT", Message: "pagina must be a positive integer",
			})
		}
	}
	if limit != "" {
		if n, err := strconv.Atoi(limit); err != nil || n < 1 || n > 100 {
			errs = append(errs, ValidationError{
				Field: "limite", Code: "INVALID_FORMAT", Message: "limite must be between 1 and 100",
			})
		}
	}
	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs}
	}
	return ValidationResult{Valid: true}
}
