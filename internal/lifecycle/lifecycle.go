package lifecycle

import (
	"errors"
	"fmt"

	"github.com/jogardn/orderboard/pkg/models"
)

type Action string

const (
	ActionAccept        Action = "accept"
	ActionReject        Action = "reject"
	ActionMarkReady     Action = "mark_ready"
	ActionMarkCompleted Action = "mark_completed"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownAction     = errors.New("unknown action")
)

type transition struct {
	from   []models.OrderStatus
	action Action
	to     models.OrderStatus
}

// confirmed is a legacy status that only ever appears on read.
var transitions = []transition{
	{from: []models.OrderStatus{models.StatusPending}, action: ActionAccept, to: models.StatusPreparing},
	{from: []models.OrderStatus{models.StatusPending}, action: ActionReject, to: models.StatusCancelled},
	{from: []models.OrderStatus{models.StatusPreparing, models.StatusConfirmed}, action: ActionMarkReady, to: models.StatusReady},
	{from: []models.OrderStatus{models.StatusReady}, action: ActionMarkCompleted, to: models.StatusCompleted},
}

func lookup(a Action) (transition, bool) {
	for _, t := range transitions {
		if t.action == a {
			return t, true
		}
	}
	return transition{}, false
}

// Next returns the status an order in from moves to when a is invoked.
func Next(from models.OrderStatus, a Action) (models.OrderStatus, error) {
	t, ok := lookup(a)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, a)
	}
	for _, s := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, a, from)
}

// Target is the status an action moves an order to.
func Target(a Action) (models.OrderStatus, error) {
	t, ok := lookup(a)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, a)
	}
	return t.to, nil
}

// Actions lists the actions available for an order in s, in display order.
func Actions(s models.OrderStatus) []Action {
	var out []Action
	for _, t := range transitions {
		for _, f := range t.from {
			if f == s {
				out = append(out, t.action)
				break
			}
		}
	}
	return out
}

// FromStatuses lists every status from which some action reaches to.
func FromStatuses(to models.OrderStatus) []models.OrderStatus {
	var out []models.OrderStatus
	for _, t := range transitions {
		if t.to == to {
			out = append(out, t.from...)
		}
	}
	return out
}

// CanTransition reports whether a single action moves from into to.
func CanTransition(from, to models.OrderStatus) bool {
	for _, s := range FromStatuses(to) {
		if s == from {
			return true
		}
	}
	return false
}

func Valid(s models.OrderStatus) bool {
	switch s {
	case models.StatusPending, models.StatusConfirmed, models.StatusPreparing,
		models.StatusReady, models.StatusCompleted, models.StatusCancelled:
		return true
	}
	return false
}

func IsTerminal(s models.OrderStatus) bool {
	return s == models.StatusCompleted || s == models.StatusCancelled
}

func IsActive(s models.OrderStatus) bool {
	return Valid(s) && !IsTerminal(s)
}
