package busapi

import (
	"context"

	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/utils"
)

type ReserveRequest struct {
	OrderID  int64
	Phone    string
	Phone2   string
	Email    string
	Info     string
	Language string
}

type ReserveResult struct {
	Trips []domain.ReservedTrip
	domain.ReservationStats
	Attempts int
}

type reserveForm struct {
	Login    string `url:"login"`
	Password string `url:"password"`
	Version  string `url:"v"`
	OrderID  int64  `url:"order_id"`
	Phone    string `url:"phone"`
	Phone2   string `url:"phone2,omitempty"`
	Email    string `url:"email,omitempty"`
	Info     string `url:"info,omitempty"`
	Lang     string `url:"lang,omitempty"`
}

// ReserveTicket reserves every passenger of an order as pay-on-board.
// Per-passenger backend errors do not fail the call; they show up in the stats.
func (c *Client) ReserveTicket(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	form := reserveForm{
		Login:    c.cfg.Login,
		Password: c.cfg.Password,
		Version:  c.version(),
		OrderID:  req.OrderID,
		Phone:    utils.NormalizePhone(req.Phone),
		Phone2:   utils.NormalizePhone(req.Phone2),
		Email:    utils.NormalizeEmail(req.Email),
		Info:     utils.NormalizeString(req.Info),
		Lang:     c.language(req.Language),
	}
	trips, attempts, err := call(ctx, c, endpointReservation, c.cfg.ReservePath,
		c.reservationLimiter, c.reservationErrors, form, parseTrips)
	if err != nil {
		return ReserveResult{Attempts: attempts}, err
	}
	return ReserveResult{
		Trips:            trips,
		ReservationStats: domain.ComputeStats(trips),
		Attempts:         attempts,
	}, nil
}
