package busapi

import (
	"strconv"
	"strings"
	"time"

	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/xmlnorm"
)

// DeadlineLayout is the format of a passenger's reservation_until field.
const DeadlineLayout = "2006-01-02 15:04:05"

// errorText reports whether doc is a failure: either the root is <error> or
// it carries a non-empty <error> child.
func errorText(doc *xmlnorm.Document) (string, bool) {
	if doc.Name == "error" {
		raw := strings.TrimSpace(xmlnorm.Text(doc.Value))
		if raw == "" {
			if m, ok := xmlnorm.Map(doc.Value); ok {
				raw = firstText(m, "message", "description", "code")
			}
		}
		if raw == "" {
			raw = "error"
		}
		return raw, true
	}
	if v, ok := doc.Root()["error"]; ok {
		if raw := strings.TrimSpace(xmlnorm.Text(v)); raw != "" {
			return raw, true
		}
		if m, ok := xmlnorm.Map(v); ok {
			if raw := firstText(m, "message", "description", "code"); raw != "" {
				return raw, true
			}
		}
	}
	return "", false
}

func firstText(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(xmlnorm.Text(m[k])); s != "" {
			return s
		}
	}
	return ""
}

func parseValidation(doc *xmlnorm.Document) (ValidationResult, error) {
	root := doc.Root()
	return ValidationResult{
		CanReserve:  xmlnorm.Bool(root["reserve_validation"]),
		RequiresSMS: xmlnorm.Bool(root["need_sms_validation"]),
	}, nil
}

func parseTrips(doc *xmlnorm.Document) ([]domain.ReservedTrip, error) {
	items := xmlnorm.List(doc.Root()["item"])
	trips := make([]domain.ReservedTrip, 0, len(items))
	for _, item := range items {
		m, ok := xmlnorm.Map(item)
		if !ok {
			continue
		}
		trip := domain.ReservedTrip{
			TripID:      text(m, "trip_id"),
			IntervalID:  text(m, "interval_id"),
			RouteName:   text(m, "route_name"),
			Carrier:     text(m, "carrier"),
			DateFrom:    text(m, "date_from"),
			TimeFrom:    text(m, "time_from"),
			PointFrom:   text(m, "point_from"),
			StationFrom: text(m, "station_from"),
			DateTo:      text(m, "date_to"),
			TimeTo:      text(m, "time_to"),
			PointTo:     text(m, "point_to"),
			StationTo:   text(m, "station_to"),
			Passengers:  []domain.ReservedPassenger{},
		}
		passengers, _ := xmlnorm.Lookup(m, "passengers", "item")
		for _, p := range xmlnorm.List(passengers) {
			if pm, ok := xmlnorm.Map(p); ok {
				trip.Passengers = append(trip.Passengers, parsePassenger(pm))
			}
		}
		trips = append(trips, trip)
	}
	return trips, nil
}

func parsePassenger(m map[string]any) domain.ReservedPassenger {
	p := domain.ReservedPassenger{
		PassengerID:   text(m, "passenger_id"),
		TransactionID: text(m, "transaction_id"),
		Name:          text(m, "name"),
		Surname:       text(m, "surname"),
		Seat:          text(m, "seat"),
		Price:         text(m, "price"),
		Currency:      text(m, "currency"),
		TicketID:      text(m, "ticket_id"),
		Security:      text(m, "security"),
		Error:         text(m, "error"),
	}
	if s := text(m, "reservation_until"); s != "" {
		if t, err := time.ParseInLocation(DeadlineLayout, s, time.UTC); err == nil {
			p.ReservationUntil = &t
		}
	}
	if s := text(m, "reservation_until_min"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			p.ReservationUntilMin = n
		}
	}
	return p
}

func text(m map[string]any, key string) string {
	return strings.TrimSpace(xmlnorm.Text(m[key]))
}
