package busapi

import (
	"context"

	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/utils"
)

type ValidationRequest struct {
	Phone    string
	Language string
}

type ValidationResult struct {
	CanReserve  bool
	RequiresSMS bool
	Attempts    int
}

type validationForm struct {
	Login    string `url:"login"`
	Password string `url:"password"`
	Version  string `url:"v"`
	Phone    string `url:"phone"`
	Lang     string `url:"lang,omitempty"`
}

// CheckReserveValidation asks the backend whether the phone may place a
// pay-on-board reservation and whether SMS verification is needed first.
func (c *Client) CheckReserveValidation(ctx context.Context, req ValidationRequest) (ValidationResult, error) {
	if !utils.IsValidPhone(req.Phone) {
		return ValidationResult{}, domain.NewError(domain.CodeNoPhone, "", nil)
	}

	form := validationForm{
		Login:    c.cfg.Login,
		Password: c.cfg.Password,
		Version:  c.version(),
		Phone:    utils.NormalizePhone(req.Phone),
		Lang:     c.language(req.Language),
	}
	res, attempts, err := call(ctx, c, endpointValidation, c.cfg.ValidationPath,
		c.validationLimiter, c.validationErrors, form, parseValidation)
	res.Attempts = attempts
	return res, err
}
