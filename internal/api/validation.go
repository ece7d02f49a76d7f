package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names rather than Go field names.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// formatValidationError turns validator errors into readable messages.
func formatValidationError(err error) []string {
	var errs []string

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, e := range validationErrors {
			field := e.Field()
			switch e.Tag() {
			case "required":
				errs = append(errs, fmt.Sprintf("%s is required", field))
			case "uuid":
				errs = append(errs, fmt.Sprintf("%s must be a valid UUID", field))
			case "len":
				errs = append(errs, fmt.Sprintf("%s must be exactly %s characters", field, e.Param()))
			case "max":
				errs = append(errs, fmt.Sprintf("%s must have maximum length %s", field, e.Param()))
			case "gt":
				errs = append(errs, fmt.Sprintf("%s must be greater than %s", field, e.Param()))
			case "oneof":
				errs = append(errs, fmt.Sprintf("%s must be one of [%s]", field, e.Param()))
			default:
				errs = append(errs, fmt.Sprintf("%s is invalid (%s)", field, e.Tag()))
			}
		}
		return errs
	}
	return []string{err.Error()}
}

// readLimitedBody reads the whole body. A body over maxBodyBytes gets 413 instead of being
// cut short into invalid JSON.
func readLimitedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unable to read request body")
		return nil, false
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", maxBodyBytes))
		return nil, false
	}
	return body, true
}

// decodeAndValidate reads a JSON body into dst and applies its validate tags. It writes the
// 400 response itself and reports whether the handler should continue.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, ok := readLimitedBody(w, r)
	if !ok {
		return false
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "Validation failed",
			"details": formatValidationError(err),
		})
		return false
	}
	return true
}
