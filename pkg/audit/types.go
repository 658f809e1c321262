// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category identifies which kind of operation a record describes.
type Category string

const (
	CategoryMessage Category = "message"
	CategorySystem  Category = "system"
	CategoryAdmin   Category = "admin"
)

// Level is the severity of a record or detail. Values follow the gateway's
// historical numeric levels so that sorting and "highest level" comparisons work
// on the raw value.
type Level int

const (
	LevelFine    Level = 500
	LevelInfo    Level = 800
	LevelWarning Level = 900
	LevelSevere  Level = 1000
)

// String returns the level name used in the canonical serialization.
func (l Level) String() string {
	switch l {
	case LevelFine:
		return "FINE"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelSevere:
		return "SEVERE"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel converts a level name back into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FINE":
		return LevelFine, nil
	case "INFO":
		return LevelInfo, nil
	case "WARNING":
		return LevelWarning, nil
	case "SEVERE":
		return LevelSevere, nil
	}
	return 0, fmt.Errorf("unknown audit level %q", s)
}

// ErrAlreadySigned is returned when a signed record would be mutated.
var ErrAlreadySigned = errors.New("audit record is already signed")

// Record is a finalized audit entry describing one operation or event.
//
// Nullable string fields are pointers: storage dialects differ on whether an
// absent value comes back as NULL or as an empty string, and the digest treats
// both the same.
type Record struct {
	// ID is a unique identifier for this record
	ID string `json:"id"`

	// NodeID is the cluster node that produced the record
	NodeID string `json:"nodeId"`

	// Time is when the audited operation happened (millisecond precision)
	Time time.Time `json:"time"`

	Level    Level    `json:"level"`
	Category Category `json:"type"`

	// Name is the service, entity or component the record is about
	Name    string `json:"name"`
	Message string `json:"message"`

	IPAddress  string  `json:"ipAddress,omitempty"`
	UserName   *string `json:"userName,omitempty"`
	UserID     *string `json:"userId,omitempty"`
	ProviderID *string `json:"providerId,omitempty"`

	MessageFields *MessageFields `json:"messageFields,omitempty"`
	AdminFields   *AdminFields   `json:"adminFields,omitempty"`
	SystemFields  *SystemFields  `json:"systemFields,omitempty"`

	// Signature over the current digest, empty when the record was never signed
	Signature []byte `json:"signature,omitempty"`

	Details []Detail `json:"details,omitempty"`

	signed bool
}

// MessageFields are the category-specific fields of a message record.
type MessageFields struct {
	ServiceID      string  `json:"serviceId"`
	OperationName  *string `json:"operationName,omitempty"`
	RequestID      *string `json:"requestId,omitempty"`
	Status         int     `json:"status"`
	Authenticated  bool    `json:"authenticated"`
	AuthType       *string `json:"authType,omitempty"`
	RequestLength  int     `json:"requestLength"`
	ResponseLength int     `json:"responseLength"`

	// RequestContent and ResponseContent may be replaced or nulled by the
	// message filter before the record is signed.
	RequestContent  *string `json:"requestContent,omitempty"`
	ResponseContent *string `json:"responseContent,omitempty"`

	ResponseStatus int           `json:"responseStatus"`
	RoutingLatency time.Duration `json:"routingLatency"`
}

// AdminFields are the category-specific fields of an admin record.
type AdminFields struct {
	EntityClass *string `json:"entityClass,omitempty"`
	EntityID    string  `json:"entityId"`
	Action      string  `json:"action"`
}

// SystemFields are the category-specific fields of a system record.
type SystemFields struct {
	Component string `json:"component"`
	Action    string `json:"action"`
}

// Detail is a sub-entry of a record contributed by a specific component.
type Detail struct {
	MessageID int      `json:"messageId"`
	Level     Level    `json:"level"`
	Params    []string `json:"params,omitempty"`
	Cause     string   `json:"exception,omitempty"`

	// Component is the source that contributed the detail
	Component string    `json:"componentId"`
	Time      time.Time `json:"time"`

	// Ordinal is assigned by the Context when the detail is added
	Ordinal int `json:"ordinal"`

	// RecordID is set when the detail is attached to its record at flush
	RecordID string `json:"recordId,omitempty"`
}

// NewRecord creates a record with a fresh id and the current time.
func NewRecord(category Category, nodeID string, level Level, name, message string) *Record {
	return &Record{
		ID:       uuid.NewString(),
		NodeID:   nodeID,
		Time:     time.Now().UTC().Truncate(time.Millisecond),
		Level:    level,
		Category: category,
		Name:     name,
		Message:  message,
	}
}

// NewMessageRecord creates a record for a processed request.
func NewMessageRecord(nodeID string, level Level, serviceName, message string, fields MessageFields) *Record {
	rec := NewRecord(CategoryMessage, nodeID, level, serviceName, message)
	rec.MessageFields = &fields
	return rec
}

// NewAdminRecord creates a record for an administrative change.
func NewAdminRecord(nodeID string, level Level, name, message string, fields AdminFields) *Record {
	rec := NewRecord(CategoryAdmin, nodeID, level, name, message)
	rec.AdminFields = &fields
	return rec
}

// NewSystemRecord creates a record for a system event.
func NewSystemRecord(nodeID string, level Level, component, action, message string) *Record {
	rec := NewRecord(CategorySystem, nodeID, level, component, message)
	rec.SystemFields = &SystemFields{Component: component, Action: action}
	return rec
}

// MarkSigned freezes the record. Signers call it after storing the signature.
func (r *Record) MarkSigned() {
	r.signed = true
}

// Signed reports whether the record has been signed in this process.
func (r *Record) Signed() bool {
	return r.signed
}

// SetContent replaces the request/response content of a message record. It
// fails once the record is signed, since both fields are part of the digest.
func (r *Record) SetContent(request, response *string) error {
	if r.signed {
		return ErrAlreadySigned
	}
	if r.MessageFields == nil {
		return nil
	}
	r.MessageFields.RequestContent = request
	r.MessageFields.ResponseContent = response
	return nil
}

// Validate checks that the category block matches the category.
func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.New("audit record has no id")
	}
	switch r.Category {
	case CategoryMessage:
		if r.MessageFields == nil {
			return errors.New("message record without message fields")
		}
	case CategoryAdmin:
		if r.AdminFields == nil {
			return errors.New("admin record without admin fields")
		}
	case CategorySystem:
		if r.SystemFields == nil {
			return errors.New("system record without system fields")
		}
	default:
		return fmt.Errorf("unknown audit category %q", r.Category)
	}
	return nil
}

// String returns a pointer to s, for populating nullable fields.
func String(s string) *string {
	return &s
}

// Deref returns the value of a nullable field, or "" when it is nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
