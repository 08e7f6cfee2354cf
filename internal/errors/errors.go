// Package errors defines the error taxonomy used throughout FrameVault.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind string

const (
	// KindValidation marks malformed input: bad serials, bad filters,
	// missing required metadata fields. Never retried.
	KindValidation Kind = "validation"
	// KindAlreadyExists marks duplicate dataset serials or storage paths.
	// Fatal unless the caller requested override/skip semantics.
	KindAlreadyExists Kind = "already_exists"
	// KindNotFound marks missing datasets, parents, objects, or an empty
	// filtered query result.
	KindNotFound Kind = "not_found"
	// KindTransientStorage marks an unreachable or failing storage backend.
	// Not retried at this layer.
	KindTransientStorage Kind = "transient_storage"
	// KindTransientConnection marks an unreachable metadata database.
	// Not retried at this layer.
	KindTransientConnection Kind = "transient_connection"
	// KindIntegrity marks a content digest that does not match an expected
	// precomputed digest.
	KindIntegrity Kind = "integrity"
)

// Error is a classified FrameVault error with a machine-readable code,
// human-readable message, and optional context fields (the serial, path,
// or filter that produced it).
type Error struct {
	// Kind is the error class callers branch on.
	Kind Kind
	// Code identifies the specific condition (e.g. "DatasetExists").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// Fields holds additional context key-value pairs.
	Fields map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, e.Fields[k]))
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, ", "))
}

// Is reports whether target is an *Error with the same Code, so wrapped
// and field-annotated copies still match their predefined value under
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithField returns a copy of the error with the given context field set.
func (e *Error) WithField(key, value string) *Error {
	cp := *e
	cp.Fields = make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	cp.Fields[key] = value
	return &cp
}

// WithMessage returns a copy of the error with the message replaced.
// The Code and Kind are preserved, so classification helpers still match.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	if e.Fields != nil {
		cp.Fields = make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			cp.Fields[k] = v
		}
	}
	return &cp
}

// KindOf returns the Kind of err if it is (or wraps) a classified Error,
// or the empty Kind otherwise.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsAlreadyExists reports whether err is a duplicate-dataset or
// duplicate-path condition.
func IsAlreadyExists(err error) bool { return KindOf(err) == KindAlreadyExists }

// IsNotFound reports whether err is a missing-entity or empty-result
// condition.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTransient reports whether err is a transient storage or connection
// failure that an external orchestrator may choose to retry.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindTransientStorage || k == KindTransientConnection
}

// IsIntegrity reports whether err is a digest mismatch.
func IsIntegrity(err error) bool { return KindOf(err) == KindIntegrity }

// Predefined errors for common conditions.
var (
	// ErrInvalidSerial is returned when a dataset serial does not match the
	// required grammar.
	ErrInvalidSerial = &Error{
		Kind:    KindValidation,
		Code:    "InvalidSerial",
		Message: "dataset serial does not match <PROJECT>-YYYY-MM-DD-HH-MM-SS-NNNN",
	}

	// ErrInvalidFilter is returned when a query filter is malformed.
	ErrInvalidFilter = &Error{
		Kind:    KindValidation,
		Code:    "InvalidFilter",
		Message: "query filter is not valid",
	}

	// ErrMixedChannelFilter is returned when a channel filter mixes integer
	// indices and name strings.
	ErrMixedChannelFilter = &Error{
		Kind:    KindValidation,
		Code:    "MixedChannelFilter",
		Message: "channel filter must be all integer indices or all name strings",
	}

	// ErrMissingMetaField is returned when a required metadata field is
	// absent or malformed in an acquisition's tags.
	ErrMissingMetaField = &Error{
		Kind:    KindValidation,
		Code:    "MissingMetaField",
		Message: "required metadata field is missing or malformed",
	}

	// ErrNotDecomposed is returned when frame metadata is requested for a
	// dataset that was never split into frames.
	ErrNotDecomposed = &Error{
		Kind:    KindValidation,
		Code:    "NotDecomposed",
		Message: "dataset has not been split into frames",
	}

	// ErrInvalidCredentials is returned when a database credential file
	// fails schema validation.
	ErrInvalidCredentials = &Error{
		Kind:    KindValidation,
		Code:    "InvalidCredentials",
		Message: "database credential file does not match the required schema",
	}

	// ErrDatasetExists is returned when inserting a dataset serial that is
	// already registered.
	ErrDatasetExists = &Error{
		Kind:    KindAlreadyExists,
		Code:    "DatasetExists",
		Message: "dataset serial is already registered",
	}

	// ErrPrefixExists is returned when a storage prefix already contains
	// objects from a prior ingestion.
	ErrPrefixExists = &Error{
		Kind:    KindAlreadyExists,
		Code:    "PrefixExists",
		Message: "storage prefix already contains objects",
	}

	// ErrObjectExists is returned when a single object write collides with
	// an existing object and the collision policy is abort.
	ErrObjectExists = &Error{
		Kind:    KindAlreadyExists,
		Code:    "ObjectExists",
		Message: "object already exists at this path",
	}

	// ErrDatasetNotFound is returned when a dataset serial is not registered.
	ErrDatasetNotFound = &Error{
		Kind:    KindNotFound,
		Code:    "DatasetNotFound",
		Message: "dataset serial is not registered",
	}

	// ErrParentNotFound is returned when a parent dataset serial does not
	// resolve to an existing dataset.
	ErrParentNotFound = &Error{
		Kind:    KindNotFound,
		Code:    "ParentNotFound",
		Message: "parent dataset is not registered",
	}

	// ErrEmptyResult is returned when a frame query matches zero frames.
	ErrEmptyResult = &Error{
		Kind:    KindNotFound,
		Code:    "EmptyResult",
		Message: "no frames matched the query",
	}

	// ErrObjectNotFound is returned when a stored object does not exist.
	ErrObjectNotFound = &Error{
		Kind:    KindNotFound,
		Code:    "ObjectNotFound",
		Message: "object does not exist",
	}

	// ErrSidecarNotFound is returned when an acquisition's companion
	// metadata file is missing.
	ErrSidecarNotFound = &Error{
		Kind:    KindNotFound,
		Code:    "SidecarNotFound",
		Message: "acquisition metadata file not found",
	}

	// ErrStorageUnavailable is returned when the storage backend cannot be
	// reached.
	ErrStorageUnavailable = &Error{
		Kind:    KindTransientStorage,
		Code:    "StorageUnavailable",
		Message: "storage backend is unreachable",
	}

	// ErrDatabaseUnavailable is returned when the metadata database cannot
	// be reached.
	ErrDatabaseUnavailable = &Error{
		Kind:    KindTransientConnection,
		Code:    "DatabaseUnavailable",
		Message: "metadata database is unreachable",
	}

	// ErrDigestMismatch is returned when a frame's content digest does not
	// match the expected precomputed digest.
	ErrDigestMismatch = &Error{
		Kind:    KindIntegrity,
		Code:    "DigestMismatch",
		Message: "content digest does not match the expected value",
	}
)
