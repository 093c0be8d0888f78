package reservation

import (
	"context"
	"fmt"
)

// IntegrityReport lists rows that break the slot/appointment relationship.
// A booked slot is backed by a Booked or Completed appointment at its tuple;
// a Booked appointment needs a booked slot. Repairs are a manual action.
type IntegrityReport struct {
	OrphanedSlots        []Slot
	UnbackedAppointments []Appointment
}

func (r IntegrityReport) OK() bool {
	return len(r.OrphanedSlots) == 0 && len(r.UnbackedAppointments) == 0
}

func CheckIntegrity(ctx context.Context, scanner IntegrityScanner) (IntegrityReport, error) {
	var report IntegrityReport

	orphans, err := scanner.OrphanedSlots(ctx)
	if err != nil {
		return report, fmt.Errorf("scan orphaned slots: %w", err)
	}
	unbacked, err := scanner.UnbackedAppointments(ctx)
	if err != nil {
		return report, fmt.Errorf("scan unbacked appointments: %w", err)
	}

	report.OrphanedSlots = orphans
	report.UnbackedAppointments = unbacked
	return report, nil
}
