package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from    OrderStatus
		to      OrderStatus
		allowed bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusCancelled, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
		{StatusCancelled, StatusCompleted, false},
		{StatusPending, StatusPending, false},
	}

	for _, c := range cases {
		assert.Equalf(t, c.allowed, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestDisplayStateSplitsPendingByPayment(t *testing.T) {
	assert.Equal(t, DisplayOutForDelivery, StatusPending.Display(PaymentCOD))
	assert.Equal(t, DisplayAwaitingPayment, StatusPending.Display(PaymentBank))
	assert.Equal(t, DisplayProcessing, StatusProcessing.Display(PaymentCOD))
	assert.Equal(t, DisplayCompleted, StatusCompleted.Display(PaymentBank))
	assert.Equal(t, DisplayCancelled, StatusCancelled.Display(PaymentCOD))
}

func TestItemsTotal(t *testing.T) {
	order := &Order{
		Items: []OrderItem{
			{ProductID: "p1", Quantity: 2, Price: 450000},
			{ProductID: "p2", Quantity: 1, Price: 120000},
		},
	}
	assert.Equal(t, int64(1020000), order.ItemsTotal())

	empty := &Order{}
	assert.Zero(t, empty.ItemsTotal())
}

func TestEnumValidation(t *testing.T) {
	assert.True(t, PaymentCOD.Valid())
	assert.True(t, PaymentBank.Valid())
	assert.False(t, PaymentMethod("card").Valid())

	assert.True(t, StatusPending.Valid())
	assert.False(t, OrderStatus("shipped").Valid())

	assert.True(t, CategoryWedding.Valid())
	assert.False(t, Category("anniversary").Valid())

	assert.True(t, FlowerOrchid.Valid())
	assert.False(t, FlowerType("tulip").Valid())
}
