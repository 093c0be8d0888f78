package reservation

import (
	"encoding/json"
	"fmt"
	"time"
)

type Role string

const (
	RolePatient Role = "Patient"
	RoleDoctor  Role = "Doctor"
	RoleAdmin   Role = "Admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated caller. For RoleDoctor, ID is the doctor id.
type Actor struct {
	ID       int64
	Role     Role
	ClientIP string
}

type AppointmentStatus string

const (
	StatusBooked    AppointmentStatus = "Booked"
	StatusCompleted AppointmentStatus = "Completed"
	StatusCancelled AppointmentStatus = "Cancelled"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusBooked, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal statuses admit no further transition.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// TimeOfDay is a wall-clock offset from midnight with minute precision in
// practice and microsecond precision in storage.
type TimeOfDay time.Duration

const day = 24 * time.Hour

func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// ParseTimeOfDay accepts "15:04" or "15:04:05".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay(time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

func (t TimeOfDay) Valid() bool {
	return t >= 0 && time.Duration(t) < day
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	if s := int((d % time.Minute) / time.Second); s != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Date truncates t to its calendar date, expressed at UTC midnight.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts "2006-01-02".
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}

// At combines a calendar date and time of day into an instant in loc.
func At(date time.Time, t TimeOfDay, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).Add(time.Duration(t))
}

// SlotKey identifies a slot by its natural key.
type SlotKey struct {
	DoctorID int64
	Date     time.Time
	Time     TimeOfDay
}

func (k SlotKey) String() string {
	return fmt.Sprintf("doctor=%d %s %s", k.DoctorID, k.Date.Format(time.DateOnly), k.Time)
}

type Slot struct {
	ID       int64
	DoctorID int64
	Date     time.Time
	Time     TimeOfDay
	Booked   bool
}

func (s Slot) Key() SlotKey {
	return SlotKey{DoctorID: s.DoctorID, Date: s.Date, Time: s.Time}
}

type Appointment struct {
	ID        int64
	PatientID int64
	DoctorID  int64
	Date      time.Time
	Time      TimeOfDay
	Status    AppointmentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a Appointment) Key() SlotKey {
	return SlotKey{DoctorID: a.DoctorID, Date: a.Date, Time: a.Time}
}

// SlotTime is a requested (date, time) pair for slot creation.
type SlotTime struct {
	Date time.Time
	Time TimeOfDay
}

// SlotResult reports the outcome of creating one slot. Err is ErrSlotExists
// for duplicates.
type SlotResult struct {
	Date time.Time
	Time TimeOfDay
	Slot *Slot
	Err  error
}

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ParseSortOrder defaults to ascending.
func ParseSortOrder(s string) SortOrder {
	if s == string(SortDesc) || s == "DESC" {
		return SortDesc
	}
	return SortAsc
}
