package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"ams/core"
	"ams/service"
	"ams/storage"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// maxErrorMessageLength bounds messages sent to clients
const maxErrorMessageLength = 500

var (
	connectionStringPattern = regexp.MustCompile(`(?:sqlite|redis|file)://[^\s"']+`)
	filePathPattern         = regexp.MustCompile(`(?:[A-Za-z]:\\|/)(?:[^\\/:*?"<>|\s]+[\\/])+[^\\/:*?"<>|\s]+\.(?:db|go|yaml|yml|sock)\b`)
	secretPattern           = regexp.MustCompile(`(?i)(password|secret|token|credential)[:=]\s*["']?[^"'\s]+["']?`)
)

// errorResponse is the JSON body of every error reply
type errorResponse struct {
	Error string `json:"error"`
	// Index names the failing element of a batch request
	Index *int `json:"index,omitempty"`
}

// sanitizeErrorMessage removes sensitive information from error messages before sending to clients
func sanitizeErrorMessage(message string) string {
	message = connectionStringPattern.ReplaceAllString(message, "[CONNECTION]")
	message = filePathPattern.ReplaceAllString(message, "[FILE_PATH]")
	message = secretPattern.ReplaceAllString(message, "$1=[REDACTED]")

	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

// writeError writes an error response to the client and logs it with proper sanitization
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	writeErrorResponse(w, statusCode, errorResponse{Error: message}, err, logger)
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, body errorResponse, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		// Log the full error internally
		fields := []interface{}{"status_code", statusCode}
		if err != nil {
			fields = append(fields, "error", err.Error())
		}
		if statusCode >= http.StatusInternalServerError {
			logger.Errorw(body.Error, fields...)
		} else {
			logger.Debugw(body.Error, fields...)
		}
	}

	body.Error = sanitizeErrorMessage(body.Error)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// statusForError maps the error taxonomy onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrUUIDNotFound), errors.Is(err, core.ErrValueNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrVersionMismatch), errors.Is(err, core.ErrDuplicateUUID), errors.Is(err, storage.ErrConstraintViolation):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidField):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError reports an error returned by the service layer. Taxonomy errors carry
// their own message; anything else is reported generically.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	body := errorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		body.Error = "Internal server error"
	}

	var batchErr *service.BatchError
	if errors.As(err, &batchErr) {
		index := batchErr.Index
		body.Index = &index
	}
	writeErrorResponse(w, status, body, err, a.logger)
}

// respondJSON writes a JSON response with proper error handling
func (a *API) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Response already started, error is logged for monitoring
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}

// respondCreated answers a create call: 201 for a new row, 200 when an existing row came back
func (a *API) respondCreated(w http.ResponseWriter, data interface{}, created bool) {
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	a.respondJSON(w, data, status)
}

// decodeJSONBody decodes a JSON request body with a size limit, rejecting unknown fields
func (a *API) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, a.config.API.MaxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	err := decoder.Decode(dst)
	if err != nil {
		var syntaxError *json.SyntaxError
		var unmarshalTypeError *json.UnmarshalTypeError
		var maxBytesError *http.MaxBytesError

		switch {
		case errors.As(err, &syntaxError):
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON syntax at byte offset %d", syntaxError.Offset), err, a.logger)
		case errors.As(err, &unmarshalTypeError):
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid type for field '%s': expected %s", unmarshalTypeError.Field, unmarshalTypeError.Type), err, a.logger)
		case errors.As(err, &maxBytesError):
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", err, a.logger)
		case strings.HasPrefix(err.Error(), "json: unknown field"):
			writeError(w, http.StatusBadRequest, fmt.Sprintf("JSON contains %s", strings.TrimPrefix(err.Error(), "json: ")), err, a.logger)
		default:
			writeError(w, http.StatusBadRequest, "Invalid JSON body", err, a.logger)
		}
		return err
	}
	return nil
}

// decodeAndValidate decodes the body and runs its validate tags
func (a *API) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := a.decodeJSONBody(w, r, dst); err != nil {
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err), err, a.logger)
		return false
	}
	return true
}

// validationMessage turns validator errors into one readable line
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Validation failed"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
	}
	return "Validation failed: " + strings.Join(parts, "; ")
}

// pathUUID reads the {uuid} path variable
func (a *API) pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := mux.Vars(r)["uuid"]
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid UUID format: %s", raw), err, a.logger)
		return uuid.Nil, false
	}
	return id, true
}
