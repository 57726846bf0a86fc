package validator

import (
	"errors"
	"fmt"

	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// UserValidator 买家存在且未被封禁
type UserValidator struct {
	NextHandler
	users port.UserService
}

func NewUserValidator(users port.UserService) *UserValidator {
	return &UserValidator{users: users}
}

func (v *UserValidator) Handle(vc *Context) error {
	ctx, span := startSpan(vc, "user")
	defer span.End()

	user, err := v.users.GetUser(ctx, vc.Input.BuyerID)
	if errors.Is(err, port.ErrNotFound) {
		return fail(span, domain.NewValidationError("user", "user %s not found", vc.Input.BuyerID))
	}
	if err != nil {
		return fail(span, fmt.Errorf("query user %s: %w", vc.Input.BuyerID, err))
	}
	if user.Status != port.UserActive {
		return fail(span, domain.NewValidationError("user", "user %s is %s", user.ID, user.Status))
	}
	vc.User = user
	span.AddEvent("user validated")
	return v.executeNext(vc)
}
