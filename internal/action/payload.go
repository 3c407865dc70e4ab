package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Payload is the closed set of typed action payloads. Only this package can
// add variants; Accept routes each one to the matching Visitor method.
type Payload interface {
	Accept(v Visitor) error
	validate() error
}

// Visitor has one method per payload variant. Implementations get a compile
// error when a variant is added without a handler.
type Visitor interface {
	CheckIn(CheckIn) error
	CheckOut(CheckOut) error
	Track(Track) error
	CreateMaterialRequest(CreateMaterialRequest) error
	UpdateMaterialRequest(UpdateMaterialRequest) error
	DeleteMaterialRequest(DeleteMaterialRequest) error
	CreateDPR(CreateDPR) error
	ManualAttendance(ManualAttendance) error
}

// Location is the shared payload of CHECK_IN, CHECK_OUT and TRACK.
// "lat" and "lon" are accepted as aliases for older clients.
type Location struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timestamp string   `json:"timestamp,omitempty"`
}

func (l *Location) UnmarshalJSON(data []byte) error {
	var aux struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Lat       *float64 `json:"lat"`
		Lon       *float64 `json:"lon"`
		Timestamp string   `json:"timestamp"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&aux); err != nil {
		return err
	}
	l.Latitude = aux.Latitude
	if l.Latitude == nil {
		l.Latitude = aux.Lat
	}
	l.Longitude = aux.Longitude
	if l.Longitude == nil {
		l.Longitude = aux.Lon
	}
	l.Timestamp = aux.Timestamp
	return nil
}

func (l Location) validate() error {
	if l.Latitude == nil || l.Longitude == nil {
		return invalid("payload.latitude and payload.longitude are required")
	}
	if *l.Latitude < -90 || *l.Latitude > 90 {
		return invalid("payload.latitude must be between -90 and 90")
	}
	if *l.Longitude < -180 || *l.Longitude > 180 {
		return invalid("payload.longitude must be between -180 and 180")
	}
	if l.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, l.Timestamp); err != nil {
			return invalid("payload.timestamp must be RFC 3339")
		}
	}
	return nil
}

// At returns the event time of the location fix, falling back to fallback
// when the payload carries none.
func (l Location) At(fallback time.Time) time.Time {
	if l.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, l.Timestamp); err == nil {
			return ts.UTC()
		}
	}
	return fallback.UTC()
}

type CheckIn struct{ Location }

type CheckOut struct{ Location }

type Track struct{ Location }

func (p CheckIn) Accept(v Visitor) error  { return v.CheckIn(p) }
func (p CheckOut) Accept(v Visitor) error { return v.CheckOut(p) }
func (p Track) Accept(v Visitor) error    { return v.Track(p) }

var urgencies = map[string]bool{"LOW": true, "MEDIUM": true, "HIGH": true, "URGENT": true}

type CreateMaterialRequest struct {
	MaterialName string  `json:"material_name"`
	Quantity     float64 `json:"quantity"`
	Unit         string  `json:"unit"`
	Urgency      string  `json:"urgency,omitempty"`
	Notes        string  `json:"notes,omitempty"`
	RequiredBy   string  `json:"required_by,omitempty"`
}

func (p CreateMaterialRequest) Accept(v Visitor) error { return v.CreateMaterialRequest(p) }

func (p CreateMaterialRequest) validate() error {
	if strings.TrimSpace(p.MaterialName) == "" {
		return invalid("payload.material_name is required")
	}
	if p.Quantity <= 0 {
		return invalid("payload.quantity must be greater than 0")
	}
	if strings.TrimSpace(p.Unit) == "" {
		return invalid("payload.unit is required")
	}
	if p.Urgency != "" && !urgencies[p.Urgency] {
		return invalid(fmt.Sprintf("payload.urgency %s is not one of LOW, MEDIUM, HIGH, URGENT", p.Urgency))
	}
	return validDate("payload.required_by", p.RequiredBy, false)
}

type UpdateMaterialRequest struct {
	MaterialRequestID string   `json:"material_request_id"`
	Quantity          *float64 `json:"quantity,omitempty"`
	Unit              *string  `json:"unit,omitempty"`
	Urgency           *string  `json:"urgency,omitempty"`
	Notes             *string  `json:"notes,omitempty"`
	RequiredBy        *string  `json:"required_by,omitempty"`
}

func (p UpdateMaterialRequest) Accept(v Visitor) error { return v.UpdateMaterialRequest(p) }

func (p UpdateMaterialRequest) validate() error {
	if strings.TrimSpace(p.MaterialRequestID) == "" {
		return invalid("payload.material_request_id is required")
	}
	if p.Quantity == nil && p.Unit == nil && p.Urgency == nil && p.Notes == nil && p.RequiredBy == nil {
		return invalid("payload has no fields to update")
	}
	if p.Quantity != nil && *p.Quantity <= 0 {
		return invalid("payload.quantity must be greater than 0")
	}
	if p.Unit != nil && strings.TrimSpace(*p.Unit) == "" {
		return invalid("payload.unit must not be empty")
	}
	if p.Urgency != nil && !urgencies[*p.Urgency] {
		return invalid(fmt.Sprintf("payload.urgency %s is not one of LOW, MEDIUM, HIGH, URGENT", *p.Urgency))
	}
	if p.RequiredBy != nil {
		return validDate("payload.required_by", *p.RequiredBy, false)
	}
	return nil
}

type DeleteMaterialRequest struct {
	MaterialRequestID string `json:"material_request_id"`
	Reason            string `json:"reason,omitempty"`
}

func (p DeleteMaterialRequest) Accept(v Visitor) error { return v.DeleteMaterialRequest(p) }

func (p DeleteMaterialRequest) validate() error {
	if strings.TrimSpace(p.MaterialRequestID) == "" {
		return invalid("payload.material_request_id is required")
	}
	return nil
}

type CreateDPR struct {
	ReportDate  string `json:"report_date"`
	WorkDone    string `json:"work_done"`
	LabourCount *int   `json:"labour_count,omitempty"`
	Weather     string `json:"weather,omitempty"`
	Issues      string `json:"issues,omitempty"`
}

func (p CreateDPR) Accept(v Visitor) error { return v.CreateDPR(p) }

func (p CreateDPR) validate() error {
	if err := validDate("payload.report_date", p.ReportDate, true); err != nil {
		return err
	}
	if strings.TrimSpace(p.WorkDone) == "" {
		return invalid("payload.work_done is required")
	}
	if p.LabourCount != nil && *p.LabourCount < 0 {
		return invalid("payload.labour_count must not be negative")
	}
	return nil
}

type ManualAttendance struct {
	LabourID     string `json:"labour_id"`
	Date         string `json:"date"`
	CheckInTime  string `json:"check_in_time"`
	CheckOutTime string `json:"check_out_time,omitempty"`
	Reason       string `json:"reason"`
}

func (p ManualAttendance) Accept(v Visitor) error { return v.ManualAttendance(p) }

func (p ManualAttendance) validate() error {
	if strings.TrimSpace(p.LabourID) == "" {
		return invalid("payload.labour_id is required")
	}
	if err := validDate("payload.date", p.Date, true); err != nil {
		return err
	}
	in, err := p.CheckInAt()
	if err != nil {
		return invalid("payload.check_in_time must be HH:MM")
	}
	if p.CheckOutTime != "" {
		out, err := p.CheckOutAt()
		if err != nil {
			return invalid("payload.check_out_time must be HH:MM")
		}
		if !out.After(in) {
			return invalid("payload.check_out_time must be after check_in_time")
		}
	}
	if strings.TrimSpace(p.Reason) == "" {
		return invalid("payload.reason is required")
	}
	return nil
}

// CheckInAt combines Date and CheckInTime in UTC.
func (p ManualAttendance) CheckInAt() (time.Time, error) {
	return time.Parse("2006-01-02 15:04", p.Date+" "+p.CheckInTime)
}

// CheckOutAt combines Date and CheckOutTime in UTC.
func (p ManualAttendance) CheckOutAt() (time.Time, error) {
	if p.CheckOutTime == "" {
		return time.Time{}, errors.New("no check-out time")
	}
	return time.Parse("2006-01-02 15:04", p.Date+" "+p.CheckOutTime)
}

func validDate(field, value string, required bool) error {
	if value == "" {
		if required {
			return invalid(field + " is required")
		}
		return nil
	}
	if _, err := time.Parse(time.DateOnly, value); err != nil {
		return invalid(field + " must be YYYY-MM-DD")
	}
	return nil
}
