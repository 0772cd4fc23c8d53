package upload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("crc32", validateCRC32)
	return v
}

// validateCRC32 accepts a base64 string decoding to exactly 4 bytes.
func validateCRC32(fl validator.FieldLevel) bool {
	raw, err := base64.StdEncoding.DecodeString(fl.Field().String())
	return err == nil && len(raw) == 4
}

// validationMessage renders the first failed rule using the JSON field name.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "crc32":
		return field + " must be a base64 encoded CRC-32"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// InitiateRequest represents the request to open a multipart upload
type InitiateRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"required,oneof=video/mp4 video/webm video/ogg"`
	SizeBytes   int64  `json:"size_bytes" validate:"required,min=1"`
	Description string `json:"description,omitempty" validate:"max=2000"`
}

func (r *InitiateRequest) Validate(maxBytes int64) error {
	if err := validate.Struct(r); err != nil {
		return errors.New(validationMessage(err))
	}
	if r.SizeBytes > maxBytes {
		return fmt.Errorf("size_bytes must be at most %d", maxBytes)
	}
	return nil
}

type InitiateResponse struct {
	UploadID      string `json:"upload_id"`
	S3Key         string `json:"s3_key"`
	PartSizeBytes int64  `json:"part_size_bytes"`
}

// PresignRequest asks for a write authorization for one part
type PresignRequest struct {
	UploadID   string `json:"upload_id" validate:"required"`
	PartNumber int    `json:"part_number" validate:"required,min=1,max=10000"`
	Checksum   string `json:"checksum" validate:"required,crc32"`
}

func (r *PresignRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return errors.New(validationMessage(err))
	}
	return nil
}

type PresignResponse struct {
	URL string `json:"url"`
}

// PartResponse mirrors the store's part listing
type PartResponse struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// CompleteRequest represents the request to complete a multipart upload
type CompleteRequest struct {
	UploadID    string          `json:"upload_id" validate:"required"`
	Parts       []CompletedPart `json:"parts" validate:"required,min=1,max=10000,dive"`
	Filename    string          `json:"filename" validate:"required"`
	ContentType string          `json:"content_type" validate:"required,oneof=video/mp4 video/webm video/ogg"`
	SizeBytes   int64           `json:"size_bytes" validate:"required,min=1"`
}

// CompletedPart represents a completed part with its ETag
type CompletedPart struct {
	PartNumber int    `json:"part_number" validate:"required,min=1"`
	ETag       string `json:"etag" validate:"required"`
}

func (r *CompleteRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return errors.New(validationMessage(err))
	}
	return nil
}

// validatePartList checks the parts are exactly 1..expected in order.
func validatePartList(parts []CompletedPart, expected int) error {
	if len(parts) != expected {
		return fmt.Errorf("expected %d parts, got %d", expected, len(parts))
	}
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return fmt.Errorf("parts must be numbered 1..%d in ascending order, found %d at position %d", expected, p.PartNumber, i+1)
		}
		if strings.TrimSpace(p.ETag) == "" {
			return fmt.Errorf("part %d has an empty etag", p.PartNumber)
		}
	}
	return nil
}

type AbortRequest struct {
	UploadID string `json:"upload_id" validate:"required"`
}

func (r *AbortRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return errors.New(validationMessage(err))
	}
	return nil
}

type AbortResponse struct {
	Success bool `json:"success"`
}

// TotalParts is ceil(size/partSize).
func TotalParts(sizeBytes, partSizeBytes int64) int {
	if sizeBytes <= 0 || partSizeBytes <= 0 {
		return 0
	}
	return int((sizeBytes + partSizeBytes - 1) / partSizeBytes)
}
