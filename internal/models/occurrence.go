// Package models provides data model definitions for the courier sync engine.
package models

import (
	"strings"
	"time"
)

// OccurrenceType classifies what happened at a delivery point.
type OccurrenceType string

const (
	TypeDelivered   OccurrenceType = "entregue"
	TypeDamaged     OccurrenceType = "avaria"
	TypeLost        OccurrenceType = "extravio"
	TypeReturned    OccurrenceType = "devolucao"
	TypeRefused     OccurrenceType = "recusado"
	TypeHoliday     OccurrenceType = "feriado"
	TypeOther       OccurrenceType = "outros"
	TypeIceExchange OccurrenceType = "troca_gelo"
)

// AllOccurrenceTypes lists every known occurrence type in display order.
var AllOccurrenceTypes = []OccurrenceType{
	TypeDelivered, TypeDamaged, TypeLost, TypeReturned,
	TypeRefused, TypeHoliday, TypeOther, TypeIceExchange,
}

// Valid reports whether t is a known occurrence type.
func (t OccurrenceType) Valid() bool {
	for _, known := range AllOccurrenceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RequiresReceiver reports whether the receiver name and document are mandatory.
func (t OccurrenceType) RequiresReceiver() bool {
	return t == TypeDelivered
}

// SyncState is the per-record synchronization state.
type SyncState string

const (
	StatePending SyncState = "pending"
	StateSyncing SyncState = "syncing"
	StateSynced  SyncState = "synced"
)

// PhotoKind tells how a photo reference should be interpreted.
type PhotoKind string

const (
	// PhotoPending carries a base64 JPEG awaiting upload.
	PhotoPending PhotoKind = "pending"
	// PhotoPlaceholder carries an opaque token (usually a device path).
	PhotoPlaceholder PhotoKind = "placeholder"
	// PhotoRemote carries the final public URL.
	PhotoRemote PhotoKind = "remote"
)

// PhotoRef is one photo attached to an occurrence.
type PhotoRef struct {
	Kind  PhotoKind `json:"kind"`
	Value string    `json:"value"`
}

// Occurrence is a single delivery event recorded by the courier.
type Occurrence struct {
	ID               int64          `db:"id" json:"id"`
	SubmissionID     string         `db:"submission_id" json:"submission_id"`
	Code             string         `db:"code" json:"code"`
	Type             OccurrenceType `db:"occurrence_type" json:"occurrence_type"`
	ReceiverName     string         `db:"receiver_name" json:"receiver_name,omitempty"`
	ReceiverDocument string         `db:"receiver_document" json:"receiver_document,omitempty"`
	Photos           []PhotoRef     `db:"photos" json:"photos"`
	Timestamp        time.Time      `db:"occurred_at" json:"timestamp"`
	Latitude         float64        `db:"latitude" json:"latitude"`
	Longitude        float64        `db:"longitude" json:"longitude"`
	RouteID          *int64         `db:"route_id" json:"route_id,omitempty"`
	VehiclePlate     string         `db:"vehicle_plate" json:"vehicle_plate,omitempty"`
	VehicleKm        *int           `db:"vehicle_km" json:"vehicle_km,omitempty"`
	State            SyncState      `db:"sync_state" json:"state"`
	RemoteID         *int64         `db:"remote_id" json:"remote_id,omitempty"`
	LastError        string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Occurrence.
func (Occurrence) TableName() string {
	return "occurrences"
}

// Synced reports whether the backend has acknowledged the record.
func (o *Occurrence) Synced() bool {
	return o.State == StateSynced
}

// NeedsSync reports whether the record still has to be sent.
func (o *Occurrence) NeedsSync() bool {
	return o.State != StateSynced
}

// HasLocation reports whether a GPS fix was captured.
func (o *Occurrence) HasLocation() bool {
	return o.Latitude != 0 || o.Longitude != 0
}

// PendingPhotos counts photos still waiting for upload.
func (o *Occurrence) PendingPhotos() int {
	n := 0
	for _, p := range o.Photos {
		if p.Kind == PhotoPending {
			n++
		}
	}
	return n
}

// Normalize trims user-entered text fields.
func (o *Occurrence) Normalize() {
	o.Code = strings.TrimSpace(o.Code)
	o.ReceiverName = strings.TrimSpace(o.ReceiverName)
	o.ReceiverDocument = strings.TrimSpace(o.ReceiverDocument)
}
