package orders

import (
	"skinmarket/models"
)

// Action names a requested order transition.
type Action string

// Actions the order workflow understands.
const (
	ActionMarkSent       Action = "mark_sent"
	ActionConfirmReceipt Action = "confirm_receipt"
	ActionRaiseDispute   Action = "raise_dispute"
	ActionForceComplete  Action = "force_complete"
	ActionResolveRelease Action = "resolve_release"
	ActionResolveRefund  Action = "resolve_refund"
)

// Party is the role attempting a transition.
type Party string

// Parties that may act on an order. PartySystem covers the ops surface
// (force-complete past hold expiry, dispute resolution).
const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
	PartySystem Party = "system"
)

type transitionKey struct {
	from   models.OrderStatus
	action Action
	party  Party
}

// transitions is the complete order state machine: (current state, action,
// acting party) -> next state. Anything absent from this table is rejected,
// so status can never move backwards or skip SENT.
var transitions = map[transitionKey]models.OrderStatus{
	{models.OrderPaid, ActionMarkSent, PartySeller}: models.OrderSent,

	{models.OrderSent, ActionConfirmReceipt, PartyBuyer}: models.OrderCompleted,
	{models.OrderSent, ActionRaiseDispute, PartyBuyer}:   models.OrderDisputed,
	{models.OrderSent, ActionRaiseDispute, PartySeller}:  models.OrderDisputed,
	{models.OrderSent, ActionForceComplete, PartySystem}: models.OrderCompleted,

	{models.OrderDisputed, ActionResolveRelease, PartySystem}: models.OrderResolvedReleased,
	{models.OrderDisputed, ActionResolveRefund, PartySystem}:  models.OrderResolvedRefunded,
}

// NextState validates one transition. A state that no party could move with
// this action yields ErrInvalidState; a state another party could move
// yields ErrForbidden for the wrong party.
func NextState(current models.OrderStatus, action Action, party Party) (models.OrderStatus, error) {
	if next, ok := transitions[transitionKey{current, action, party}]; ok {
		return next, nil
	}
	for _, other := range []Party{PartyBuyer, PartySeller, PartySystem} {
		if other == party {
			continue
		}
		if _, ok := transitions[transitionKey{current, action, other}]; ok {
			return "", ErrForbidden
		}
	}
	return "", ErrInvalidState
}
