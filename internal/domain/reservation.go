package domain

import "time"

type ReservationState string

const (
	ReservationCreated     ReservationState = "created"
	ReservationReserving   ReservationState = "reserving"
	ReservationReserved    ReservationState = "reserved"
	ReservationFailed      ReservationState = "failed"
	ReservationSMSRequired ReservationState = "sms_required"
)

// Terminal reports whether no further automatic transition happens from s.
func (s ReservationState) Terminal() bool {
	return s == ReservationReserved || s == ReservationFailed
}

// ReservationStatus is the progress of one order's reservation.
type ReservationStatus struct {
	OrderID            int64            `json:"order_id"`
	Status             ReservationState `json:"status"`
	PassengersTotal    int              `json:"passengers_total"`
	PassengersReserved int              `json:"passengers_reserved"`
	LastError          string           `json:"last_error,omitempty"`
	LastErrorCode      ErrorCode        `json:"last_error_code,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	ReservedAt         *time.Time       `json:"reserved_at,omitempty"`
	ExpiresAt          *time.Time       `json:"expires_at,omitempty"`
}

type AuditAction string

const (
	ActionReserveAttempt AuditAction = "reserve_attempt"
	ActionReserveSuccess AuditAction = "reserve_success"
	ActionReserveFailure AuditAction = "reserve_failure"
	ActionSMSSent        AuditAction = "sms_sent"
	ActionSMSValidated   AuditAction = "sms_validated"
)

// ReservationAudit is one append-only entry of an order's reservation history.
type ReservationAudit struct {
	OrderID   int64          `json:"order_id"`
	Action    AuditAction    `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// ReserveOptions is the caller-supplied passenger contact data for a reservation.
type ReserveOptions struct {
	Phone    string `json:"phone"`
	Phone2   string `json:"phone2,omitempty"`
	Email    string `json:"email,omitempty"`
	Info     string `json:"info,omitempty"`
	Language string `json:"lang,omitempty"`
}

// ReservedPassenger is a passenger entry of a reserved trip.
type ReservedPassenger struct {
	PassengerID         string     `json:"passenger_id,omitempty"`
	TransactionID       string     `json:"transaction_id,omitempty"`
	Name                string     `json:"name,omitempty"`
	Surname             string     `json:"surname,omitempty"`
	Seat                string     `json:"seat,omitempty"`
	Price               string     `json:"price,omitempty"`
	Currency            string     `json:"currency,omitempty"`
	TicketID            string     `json:"ticket_id,omitempty"`
	Security            string     `json:"security,omitempty"`
	ReservationUntil    *time.Time `json:"reservation_until,omitempty"`
	ReservationUntilMin int        `json:"reservation_until_min,omitempty"`
	Error               string     `json:"error,omitempty"`
}

// Reserved reports whether the passenger got a seat without error.
func (p *ReservedPassenger) Reserved() bool {
	return p.Error == ""
}

// ReservedTrip is one trip of the reserved order.
type ReservedTrip struct {
	TripID      string              `json:"trip_id,omitempty"`
	IntervalID  string              `json:"interval_id,omitempty"`
	RouteName   string              `json:"route_name,omitempty"`
	Carrier     string              `json:"carrier,omitempty"`
	DateFrom    string              `json:"date_from,omitempty"`
	TimeFrom    string              `json:"time_from,omitempty"`
	PointFrom   string              `json:"point_from,omitempty"`
	StationFrom string              `json:"station_from,omitempty"`
	DateTo      string              `json:"date_to,omitempty"`
	TimeTo      string              `json:"time_to,omitempty"`
	PointTo     string              `json:"point_to,omitempty"`
	StationTo   string              `json:"station_to,omitempty"`
	Passengers  []ReservedPassenger `json:"passengers"`
}

// ReservationStats summarises passengers across all trips.
type ReservationStats struct {
	TotalPassengers    int  `json:"total_passengers"`
	ReservedPassengers int  `json:"reserved_passengers"`
	ErrorPassengers    int  `json:"error_passengers"`
	AllReserved        bool `json:"all_reserved"`
	HasErrors          bool `json:"has_errors"`
}

// ComputeStats derives passenger counts. AllReserved needs at least one passenger and no errors.
func ComputeStats(trips []ReservedTrip) ReservationStats {
	var st ReservationStats
	for _, trip := range trips {
		for i := range trip.Passengers {
			st.TotalPassengers++
			if trip.Passengers[i].Reserved() {
				st.ReservedPassengers++
			} else {
				st.ErrorPassengers++
			}
		}
	}
	st.HasErrors = st.ErrorPassengers > 0
	st.AllReserved = st.TotalPassengers > 0 && !st.HasErrors
	return st
}

// EarliestDeadline returns the soonest passenger reservation deadline, or nil.
func EarliestDeadline(trips []ReservedTrip) *time.Time {
	var earliest *time.Time
	for _, trip := range trips {
		for _, p := range trip.Passengers {
			if p.ReservationUntil == nil {
				continue
			}
			if earliest == nil || p.ReservationUntil.Before(*earliest) {
				t := *p.ReservationUntil
				earliest = &t
			}
		}
	}
	return earliest
}

// ReservationData is the payload of a successful reservation.
type ReservationData struct {
	OrderID   int64          `json:"order_id"`
	Trips     []ReservedTrip `json:"trips"`
	ReservationStats
	ReservedAt *time.Time `json:"reserved_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ReserveTicketResponse is what the rendering layer receives for a reservation.
type ReserveTicketResponse struct {
	Success bool             `json:"success"`
	Data    *ReservationData `json:"data,omitempty"`
	Error   *ErrorInfo       `json:"error,omitempty"`
}
